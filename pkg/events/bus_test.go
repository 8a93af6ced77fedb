package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusPublishFansOut(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		bus.Subscribe(EventCommitFailed, func(ctx context.Context, event Event) error {
			calls.Add(1)
			return nil
		})
	}
	bus.Subscribe(EventPlanChanged, func(ctx context.Context, event Event) error {
		t.Error("unrelated handler invoked")
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventCommitFailed, "p-1", nil)))
	bus.Drain()

	assert.Equal(t, int32(3), calls.Load())
}

func TestBusPublishSurvivesHandlerPanic(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var ran atomic.Bool
	bus.Subscribe(EventRateLimited, func(ctx context.Context, event Event) error {
		panic("boom")
	})
	bus.Subscribe(EventRateLimited, func(ctx context.Context, event Event) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventRateLimited, "p-1", nil)))
	bus.Drain()
	assert.True(t, ran.Load())
}

func TestBusPublishDetachesCancellation(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var ctxErr atomic.Value
	bus.Subscribe(EventUsageReconciled, func(ctx context.Context, event Event) error {
		ctxErr.Store(ctx.Err() == nil)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, NewEvent(EventUsageReconciled, "", nil)))
	cancel()
	bus.Drain()

	assert.Equal(t, true, ctxErr.Load())
}

func TestBusPublishAndWaitReturnsError(t *testing.T) {
	bus := NewBus(zap.NewNop())
	want := errors.New("handler failed")

	bus.Subscribe(EventPlanChanged, func(ctx context.Context, event Event) error {
		return want
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventPlanChanged, "p-1", map[string]interface{}{"tier": "pro"}))
	assert.ErrorIs(t, err, want)
}

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	a := NewEvent(EventCommitFailed, "p-1", nil)
	b := NewEvent(EventCommitFailed, "p-1", nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "p-1", a.PrincipalID)
}
