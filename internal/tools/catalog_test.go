package tools

import (
	"context"
	"testing"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog(
		&models.Tool{ID: "translate", Name: "Translate", Enabled: true},
		&models.Tool{ID: "summarize", Name: "Summarize", Enabled: true},
		&models.Tool{ID: "legacy", Name: "Legacy", Enabled: false},
	)

	tool, err := catalog.GetTool(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, "Summarize", tool.Name)

	_, err = catalog.GetTool(ctx, "missing")
	assert.ErrorIs(t, err, ErrToolNotFound)

	tool, err = catalog.GetTool(ctx, "legacy")
	assert.ErrorIs(t, err, ErrToolDisabled)
	require.NotNil(t, tool)
	assert.Equal(t, "legacy", tool.ID)

	list, err := catalog.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "summarize", list[0].ID)
	assert.Equal(t, "translate", list[1].ID)
}

func TestMemoryCatalogReturnsCopies(t *testing.T) {
	ctx := context.Background()
	original := &models.Tool{ID: "summarize", Name: "Summarize", Enabled: true}
	catalog := NewMemoryCatalog(original)

	original.Name = "changed after Put"
	tool, err := catalog.GetTool(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, "Summarize", tool.Name)

	tool.Enabled = false
	_, err = catalog.GetTool(ctx, "summarize")
	assert.NoError(t, err)

	catalog.Put(&models.Tool{ID: "summarize", Name: "Summarize", Enabled: false})
	_, err = catalog.GetTool(ctx, "summarize")
	assert.ErrorIs(t, err, ErrToolDisabled)
}
