package signal_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/signal"
)

func TestParseName(t *testing.T) {
	n, err := signal.ParseName("route")
	require.NoError(t, err)
	assert.Equal(t, signal.Route, n)

	_, err = signal.ParseName("maybe")
	assert.Error(t, err)

	_, err = signal.ParseName(string(signal.Feedback))
	assert.Error(t, err, "feedback is not an intervention decision")
}

func TestRegistry(t *testing.T) {
	r := signal.NewRegistry()
	h := func(context.Context, *signal.Signal) error { return nil }

	require.NoError(t, r.Register(signal.Reject, h))
	require.NoError(t, r.Register(signal.Approve, h))
	assert.Error(t, r.Register(signal.Approve, h))
	assert.Error(t, r.Register("", h))
	assert.Error(t, r.Register(signal.Route, nil))
	assert.Panics(t, func() { r.MustRegister(signal.Reject, h) })

	assert.Equal(t, []signal.Name{signal.Approve, signal.Reject}, r.Names())
	_, ok := r.Get(signal.Route)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()

	first := signal.NewDecision("run", "author", signal.Approve, "")
	second := signal.NewDecision("run", "router", signal.Route, "legal")
	other := signal.NewDecision("other", "x", signal.Reject, "")
	for _, s := range []*signal.Signal{first, second, other} {
		require.NoError(t, store.Enqueue(ctx, s))
	}
	assert.Error(t, store.Enqueue(ctx, first), "duplicate id")

	pending, err := store.Pending(ctx, "run")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	pending[0].NodeID = "mutated"
	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "author", got.NodeID, "store hands out clones")

	require.NoError(t, store.MarkProcessed(ctx, first.ID))
	require.NoError(t, store.MarkFailed(ctx, second.ID, errors.New("not waiting")))

	pending, _ = store.Pending(ctx, "run")
	assert.Empty(t, pending)

	got, _ = store.Get(ctx, second.ID)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, "not waiting", got.Error)
	assert.NotNil(t, got.ProcessedAt)

	require.NoError(t, store.DeleteTarget(ctx, "run"))
	all, _ := store.ListByTarget(ctx, "run")
	assert.Empty(t, all)
	_, err = store.Get(ctx, first.ID)
	assert.ErrorIs(t, err, signal.ErrSignalNotFound)

	assert.ErrorIs(t, store.MarkProcessed(ctx, "missing"), signal.ErrSignalNotFound)
}

func TestDispatcher_ProcessInOrder(t *testing.T) {
	ctx := context.Background()
	reg := signal.NewRegistry()
	var applied []string
	reg.MustRegister(signal.Approve, func(_ context.Context, s *signal.Signal) error {
		applied = append(applied, "approve:"+s.NodeID)
		return nil
	})
	reg.MustRegister(signal.Reject, func(_ context.Context, s *signal.Signal) error {
		return errors.New("node is not waiting")
	})

	store := signal.NewMemoryStore()
	d := signal.NewDispatcher("run", reg, store)

	require.NoError(t, d.Send(ctx, signal.NewDecision("", "a", signal.Approve, "")))
	require.NoError(t, d.Send(ctx, signal.NewDecision("run", "b", signal.Reject, "")))
	require.NoError(t, d.Send(ctx, signal.NewDecision("run", "c", signal.Approve, "")))
	require.NoError(t, d.Send(ctx, signal.NewDecision("run", "d", signal.Route, "x")))

	select {
	case <-d.Wake():
	default:
		t.Fatal("send did not wake the dispatcher")
	}

	n, err := d.Process(ctx)
	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, signal.ErrNoHandler)
	assert.Contains(t, err.Error(), "node is not waiting")
	assert.Equal(t, []string{"approve:a", "approve:c"}, applied)

	n, err = d.Process(ctx)
	assert.Zero(t, n)
	assert.NoError(t, err, "failed signals are not retried")
}

func TestDispatcher_SendValidation(t *testing.T) {
	ctx := context.Background()
	d := signal.NewDispatcher("run", signal.NewRegistry(), signal.NewMemoryStore())

	assert.Error(t, d.Send(ctx, signal.NewDecision("elsewhere", "a", signal.Approve, "")))
	assert.Error(t, d.Send(ctx, &signal.Signal{TargetID: "run"}))
}
