package blackboard_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/blackboard"
)

func TestBlackboard_GetSet(t *testing.T) {
	bb := blackboard.New()

	_, ok := bb.Get("missing")
	assert.False(t, ok)

	bb.Set("topic", "latency")
	v, ok := bb.Get("topic")
	require.True(t, ok)
	assert.Equal(t, "latency", v)

	bb.Set("topic", "throughput")
	v, _ = bb.Get("topic")
	assert.Equal(t, "throughput", v, "last writer wins")
	assert.Equal(t, 1, bb.Len())
}

func TestBlackboard_SnapshotIsDeep(t *testing.T) {
	bb := blackboard.New()
	bb.Set("plan", map[string]any{
		"steps": []any{"draft", "review"},
		"meta":  map[string]any{"owner": "author"},
	})

	snap := bb.Snapshot()

	bb.Set("plan", "replaced")
	bb.Set("new", 1)

	plan, ok := snap["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"draft", "review"}, plan["steps"])
	_, hasNew := snap.Get("new")
	assert.False(t, hasNew)

	got, _ := snap.Get("plan")
	got.(map[string]any)["meta"].(map[string]any)["owner"] = "mutated"
	assert.Equal(t, "author", snap["plan"].(map[string]any)["meta"].(map[string]any)["owner"])
}

func TestBlackboard_SetCopiesValue(t *testing.T) {
	bb := blackboard.New()
	list := []string{"a", "b"}
	bb.Set("list", list)

	list[0] = "changed"
	v, _ := bb.Get("list")
	assert.Equal(t, []string{"a", "b"}, v)
}

type findings struct {
	Items []string
	Score *int
}

func TestDeepCopy_Structs(t *testing.T) {
	score := 7
	orig := findings{Items: []string{"x"}, Score: &score}

	cp := blackboard.DeepCopy(orig).(findings)
	cp.Items[0] = "y"
	*cp.Score = 9

	assert.Equal(t, "x", orig.Items[0])
	assert.Equal(t, 7, *orig.Score)

	ptr := blackboard.DeepCopy(&orig).(*findings)
	ptr.Items[0] = "z"
	assert.Equal(t, "x", orig.Items[0])
}

func TestBlackboard_RestoreAndClear(t *testing.T) {
	bb := blackboard.New()
	bb.Set("a", 1)
	snap := bb.Snapshot()

	bb.Set("b", 2)
	bb.Restore(snap)
	assert.Equal(t, []string{"a"}, bb.Keys())

	bb.Clear()
	assert.Equal(t, 0, bb.Len())
	assert.Len(t, snap, 1, "clear must not touch earlier snapshots")
}

func TestBlackboard_SetAll(t *testing.T) {
	bb := blackboard.New()
	bb.SetAll(map[string]any{"x": 1, "y": "two"})
	bb.SetAll(nil)

	assert.Equal(t, []string{"x", "y"}, bb.Keys())
	assert.Equal(t, map[string]any{"x": 1, "y": "two"}, bb.Map())
}

func TestSnapshot_Clone(t *testing.T) {
	var nilSnap blackboard.Snapshot
	assert.Nil(t, nilSnap.Clone())

	snap := blackboard.Snapshot{"k": []any{1, 2}}
	cp := snap.Clone()
	cp["k"].([]any)[0] = 99
	assert.Equal(t, []any{1, 2}, snap["k"])
	assert.Equal(t, []string{"k"}, snap.Keys())
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 0, nilSnap.Len())
}

func TestBlackboard_ConcurrentAccess(t *testing.T) {
	bb := blackboard.New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			bb.Set("counter", i)
		}(i)
		go func() {
			defer wg.Done()
			_ = bb.Snapshot()
			_, _ = bb.Get("counter")
		}()
	}
	wg.Wait()

	_, ok := bb.Get("counter")
	assert.True(t, ok)
}
