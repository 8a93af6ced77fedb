package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateRunningAverage(t *testing.T) {
	tests := []struct {
		name     string
		oldAvg   float64
		oldCount int64
		sample   float64
		want     float64
	}{
		{"first sample", 0, 0, 120, 120},
		{"negative count treated as empty", 99, -3, 10, 10},
		{"second sample", 100, 1, 200, 150},
		{"many samples", 250, 9, 350, 260},
		{"equal sample keeps mean", 42, 1000, 42, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, UpdateRunningAverage(tt.oldAvg, tt.oldCount, tt.sample), 1e-9)
		})
	}
}

func TestUpdateRunningAverageMatchesBatchMean(t *testing.T) {
	samples := []float64{12, 400, 33, 87, 1500, 5, 64}

	var (
		avg float64
		sum float64
	)
	for i, s := range samples {
		avg = UpdateRunningAverage(avg, int64(i), s)
		sum += s
	}
	assert.InDelta(t, sum/float64(len(samples)), avg, 1e-9)
}
