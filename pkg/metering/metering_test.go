package metering

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/clock"
)

func TestExecutionCost(t *testing.T) {
	cases := []struct {
		latencyMs int64
		want      int64
	}{
		{0, 1},
		{-5, 1},
		{1, 1},
		{99, 1},
		{100, 1},
		{101, 2},
		{250, 3},
		{1000, 10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExecutionCost(tc.latencyMs), "latency %d", tc.latencyMs)
	}
}

func TestNewExecutionEvent(t *testing.T) {
	clk := clock.Frozen(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	e := NewExecutionEvent(clk, "t1", "run-1", 250, 7)

	require.NoError(t, e.Validate())
	assert.Equal(t, EventExecution, e.EventType)
	assert.Equal(t, int64(3), e.CostUnits)
	assert.Equal(t, int64(7), e.ResourceUnits)
	assert.Equal(t, "2024-05-01T10:00:00.000Z", e.CreatedAt)
	assert.NotEmpty(t, e.ID)
}

func TestValidate(t *testing.T) {
	base := Event{TenantID: "t", EventType: EventExecution, CostUnits: 1}
	require.NoError(t, base.Validate())

	noTenant := base
	noTenant.TenantID = ""
	assert.ErrorIs(t, noTenant.Validate(), ErrEmptyTenantID)

	negative := base
	negative.CostUnits = -1
	assert.ErrorIs(t, negative.Validate(), ErrNegativeUnits)

	badType := base
	badType.EventType = "billing"
	assert.ErrorIs(t, badType.Validate(), ErrInvalidEventType)
}

func TestMemoryRecorder(t *testing.T) {
	ctx := context.Background()
	clk := clock.Frozen(time.UnixMilli(0))
	r := NewMemoryRecorder()

	require.NoError(t, r.Record(ctx, NewExecutionEvent(clk, "t1", "r1", 100, 0)))
	require.NoError(t, r.Record(ctx, NewExecutionEvent(clk, "t1", "r2", 300, 0)))
	require.NoError(t, r.Record(ctx, NewExecutionEvent(clk, "t2", "r3", 100, 0)))

	events, err := r.ForTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "r1", events[0].RunID)

	total, err := r.TotalCost(ctx, "t1", EventExecution)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total) // 1 + 3

	err = r.Record(ctx, Event{EventType: EventExecution})
	assert.ErrorIs(t, err, ErrEmptyTenantID)
}
