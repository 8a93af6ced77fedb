package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AnyActionClass is the plan entry used when a tier has no limits for a
// specific action class.
const AnyActionClass = "*"

// PlanLimits are the metering limits a subscription tier grants for one
// action class.
type PlanLimits struct {
	WindowLimit int64         `yaml:"window_limit"`
	Window      time.Duration `yaml:"window"`
	DailyLimit  int64         `yaml:"daily_limit"`
}

// Plans maps tier -> action class -> limits.
type Plans map[string]map[string]PlanLimits

type plansFile struct {
	Plans Plans `yaml:"plans"`
}

// DefaultPlans returns the built-in tier table.
func DefaultPlans() Plans {
	return Plans{
		"free": {
			"ai-request":   {WindowLimit: 5, Window: time.Minute, DailyLimit: 50},
			AnyActionClass: {WindowLimit: 30, Window: time.Minute, DailyLimit: 500},
		},
		"starter": {
			"ai-request":   {WindowLimit: 20, Window: time.Minute, DailyLimit: 500},
			AnyActionClass: {WindowLimit: 60, Window: time.Minute, DailyLimit: 5000},
		},
		"pro": {
			"ai-request":   {WindowLimit: 60, Window: time.Minute, DailyLimit: 5000},
			AnyActionClass: {WindowLimit: 120, Window: time.Minute, DailyLimit: 50000},
		},
		"enterprise": {
			"ai-request":   {WindowLimit: 300, Window: time.Minute, DailyLimit: 100000},
			AnyActionClass: {WindowLimit: 600, Window: time.Minute, DailyLimit: 1000000},
		},
	}
}

// LoadPlans reads the plan table from a YAML file. An empty path yields the
// built-in defaults.
//
// File format:
//
//	plans:
//	  free:
//	    ai-request: {window_limit: 5, window: 1m, daily_limit: 50}
//	    "*":        {window_limit: 30, window: 1m, daily_limit: 500}
func LoadPlans(path string) (Plans, error) {
	if path == "" {
		return DefaultPlans(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plans file: %w", err)
	}

	var file plansFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plans file: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("plans file %s defines no plans", path)
	}

	return file.Plans, nil
}

// Lookup returns the limits for a tier and action class, falling back to the
// tier's wildcard entry.
func (p Plans) Lookup(tier, actionClass string) (PlanLimits, bool) {
	classes, ok := p[tier]
	if !ok {
		return PlanLimits{}, false
	}
	if limits, ok := classes[actionClass]; ok {
		return limits, true
	}
	limits, ok := classes[AnyActionClass]
	return limits, ok
}

// Validate rejects limits the admission path cannot enforce.
func (p Plans) Validate() error {
	if _, ok := p["free"]; !ok {
		return fmt.Errorf("plans must define a free tier")
	}
	for tier, classes := range p {
		for class, limits := range classes {
			if limits.WindowLimit <= 0 {
				return fmt.Errorf("plan %s/%s: window_limit must be positive", tier, class)
			}
			if limits.Window <= 0 {
				return fmt.Errorf("plan %s/%s: window must be positive", tier, class)
			}
		}
	}
	return nil
}
