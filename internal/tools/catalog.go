package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrToolNotFound is returned for ids absent from the catalog.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolDisabled is returned for tools that exist but are switched off.
	ErrToolDisabled = errors.New("tool disabled")
)

// Catalog resolves tool ids to their definitions.
type Catalog interface {
	// GetTool returns the tool with id. Disabled tools are returned together
	// with ErrToolDisabled.
	GetTool(ctx context.Context, id string) (*models.Tool, error)
	ListTools(ctx context.Context) ([]*models.Tool, error)
}

const toolColumns = `id, name, description, model, system_prompt, max_tokens, enabled, created_at`

// PostgresCatalog reads the tools table.
type PostgresCatalog struct {
	db *database.Database
}

// NewPostgresCatalog creates a catalog on db
func NewPostgresCatalog(db *database.Database) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func scanTool(row pgx.Row) (*models.Tool, error) {
	var t models.Tool
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Model, &t.SystemPrompt, &t.MaxTokens, &t.Enabled, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTool implements Catalog.
func (c *PostgresCatalog) GetTool(ctx context.Context, id string) (*models.Tool, error) {
	t, err := scanTool(c.db.Pool.QueryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrToolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool %s: %w", id, err)
	}
	if !t.Enabled {
		return t, ErrToolDisabled
	}
	return t, nil
}

// ListTools implements Catalog. Only enabled tools are listed.
func (c *PostgresCatalog) ListTools(ctx context.Context) ([]*models.Tool, error) {
	rows, err := c.db.Pool.Query(ctx, `SELECT `+toolColumns+` FROM tools WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var out []*models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MemoryCatalog is a fixed, in-process Catalog.
type MemoryCatalog struct {
	mu    sync.RWMutex
	tools map[string]*models.Tool
}

// NewMemoryCatalog creates a catalog holding tools
func NewMemoryCatalog(tools ...*models.Tool) *MemoryCatalog {
	c := &MemoryCatalog{tools: make(map[string]*models.Tool)}
	for _, t := range tools {
		c.Put(t)
	}
	return c
}

// Put adds or replaces a tool.
func (c *MemoryCatalog) Put(t *models.Tool) {
	c.mu.Lock()
	cp := *t
	c.tools[t.ID] = &cp
	c.mu.Unlock()
}

// GetTool implements Catalog.
func (c *MemoryCatalog) GetTool(ctx context.Context, id string) (*models.Tool, error) {
	c.mu.RLock()
	t, ok := c.tools[id]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrToolNotFound
	}
	cp := *t
	if !cp.Enabled {
		return &cp, ErrToolDisabled
	}
	return &cp, nil
}

// ListTools implements Catalog.
func (c *MemoryCatalog) ListTools(ctx context.Context) ([]*models.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		if t.Enabled {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
