package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/decide"
	"github.com/requiemhq/requiem/pkg/envelope"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/lifecycle"
)

func sealed(t *testing.T, requestID, tenantID, tool string) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New(clock.Frozen(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)), envelope.Params{
		TenantID:           tenantID,
		RequestID:          requestID,
		ToolName:           tool,
		ToolVersion:        "1.0.0",
		InputFingerprint:   strings.Repeat("a", 64),
		OutputDigest:       strings.Repeat("b", 64),
		PolicySnapshotHash: strings.Repeat("c", 64),
	})
	require.NoError(t, err)
	return e
}

func TestMemoryDecisionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDecisions()

	rec := &DecisionRecord{
		ID:       "dec-1",
		TenantID: "t1",
		RunID:    "run-1",
		Input:    decide.Input{Actions: []string{"a"}, States: []string{"s"}, Algorithm: decide.AlgorithmMaximin},
		Output:   decide.Output{RecommendedAction: "a", Ranking: []string{"a"}},
	}
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.Get(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Output.RecommendedAction)

	list, err := repo.ForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, fault.IsCode(err, fault.CodeFileNotFound))

	err = repo.Save(ctx, &DecisionRecord{})
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed))
}

func TestMemoryJunctionsLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJunctions()

	j := &Junction{
		ID:       "jct-1",
		TenantID: "t1",
		RunID:    "run-1",
		State:    lifecycle.JunctionDetected,
		Question: "which action?",
		Options:  []string{"a", "b"},
	}
	require.NoError(t, repo.Save(ctx, j))

	err := repo.Save(ctx, j)
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed))

	j.State = lifecycle.JunctionResolved
	j.DecisionID = "dec-1"
	require.NoError(t, repo.Update(ctx, j))

	got, err := repo.Get(ctx, "jct-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JunctionResolved, got.State)
	assert.Equal(t, "dec-1", got.DecisionID)

	list, err := repo.ForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	err = repo.Update(ctx, &Junction{ID: "missing"})
	assert.True(t, fault.IsCode(err, fault.CodeFileNotFound))
}

func TestMemoryJunctionsReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJunctions()
	require.NoError(t, repo.Save(ctx, &Junction{ID: "j", RunID: "r", Options: []string{"x"}}))

	got, err := repo.Get(ctx, "j")
	require.NoError(t, err)
	got.Options[0] = "mutated"

	fresh, err := repo.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "x", fresh.Options[0])
}

func TestMemoryEnvelopesOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryEnvelopes()

	first := sealed(t, "req-1", "t1", "alpha")
	second := sealed(t, "req-1", "t1", "beta")
	other := sealed(t, "req-2", "t2", "gamma")

	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))
	require.NoError(t, repo.Save(ctx, other))

	byReq, err := repo.ByRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, byReq, 2)
	assert.Equal(t, "alpha", byReq[0].ToolName)
	assert.Equal(t, "beta", byReq[1].ToolName)

	byTenant, err := repo.ForTenant(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, byTenant, 1)
	assert.Equal(t, "gamma", byTenant[0].ToolName)

	got, err := repo.Get(ctx, first.Hash)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, got.Hash)

	_, err = repo.Get(ctx, strings.Repeat("0", 64))
	assert.True(t, fault.IsCode(err, fault.CodeFileNotFound))
}

func TestMemoryEnvelopesSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryEnvelopes()

	e := sealed(t, "req-1", "t1", "alpha")
	require.NoError(t, repo.Save(ctx, e))
	require.NoError(t, repo.Save(ctx, e))

	byReq, err := repo.ByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, byReq, 1)
}

func TestMemoryEnvelopesRejectUnsealed(t *testing.T) {
	repo := NewMemoryEnvelopes()
	err := repo.Save(context.Background(), &envelope.Envelope{})
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed))
}
