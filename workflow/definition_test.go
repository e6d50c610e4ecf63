package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/activity-flow/types"
)

func TestNewDefinitionValidation(t *testing.T) {
	a, b := NewActivity("a"), NewActivity("b")
	fork, join := NewFork("f"), NewJoin("j")

	tests := []struct {
		name        string
		start       Activity
		activities  []Activity
		transitions []types.Transition
		errContains string
	}{
		{
			name:        "nil activity",
			start:       a,
			activities:  []Activity{a, nil},
			errContains: "activity #1 is nil",
		},
		{
			name:        "empty id",
			start:       a,
			activities:  []Activity{a, NewActivity("")},
			errContains: "empty id",
		},
		{
			name:        "duplicate id",
			start:       a,
			activities:  []Activity{a, NewActivity("a")},
			errContains: `duplicate activity id "a"`,
		},
		{
			name:        "no start",
			activities:  []Activity{a},
			errContains: "no start activity",
		},
		{
			name:        "start outside definition",
			start:       b,
			activities:  []Activity{a},
			errContains: `start activity "b"`,
		},
		{
			name:        "unknown source",
			start:       a,
			activities:  []Activity{a, b},
			transitions: []types.Transition{edge("x", "b")},
			errContains: `unknown source activity "x"`,
		},
		{
			name:        "unknown target",
			start:       a,
			activities:  []Activity{a, b},
			transitions: []types.Transition{edge("a", "x")},
			errContains: `unknown target activity "x"`,
		},
		{
			name:        "duplicate transition",
			start:       a,
			activities:  []Activity{a, b},
			transitions: []types.Transition{edge("a", "b"), {From: "a", To: "b", Condition: "true"}},
			errContains: "duplicate transition",
		},
		{
			name:        "join without inbound",
			start:       a,
			activities:  []Activity{a, join},
			errContains: `join "j" has no inbound transitions`,
		},
		{
			name:        "fork join cycle",
			start:       a,
			activities:  []Activity{a, fork, join},
			transitions: []types.Transition{edge("a", "f"), edge("f", "j"), edge("j", "f")},
			errContains: "fork/join cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefinition("test", tt.start, tt.activities, tt.transitions)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestNewDefinitionAccepts(t *testing.T) {
	t.Run("SingleActivity", func(t *testing.T) {
		a := NewActivity("a")
		_, err := NewDefinition("single", a, []Activity{a}, nil)
		assert.NoError(t, err)
	})

	t.Run("CycleThroughPlainActivity", func(t *testing.T) {
		a, f, j := NewActivity("a"), NewFork("f"), NewJoin("j")
		_, err := NewDefinition("loop", a, []Activity{a, f, j},
			[]types.Transition{edge("a", "f"), edge("f", "j"), edge("j", "a")})
		assert.NoError(t, err)
	})

	t.Run("PlainActivityIntoJoin", func(t *testing.T) {
		f, b, c, d, j := NewFork("1"), NewActivity("2"), NewActivity("3"), NewActivity("5"), NewJoin("4")
		_, err := NewDefinition("extra-inbound", f, []Activity{f, b, c, d, j}, []types.Transition{
			edge("1", "2"), edge("1", "3"), edge("2", "4"), edge("3", "4"), edge("5", "4"),
		})
		assert.NoError(t, err)
	})

	t.Run("JoinAsStart", func(t *testing.T) {
		j, a := NewJoin("j"), NewActivity("a")
		_, err := NewDefinition("join-start", j, []Activity{j, a}, []types.Transition{edge("j", "a")})
		assert.NoError(t, err)
	})
}

func TestTransitions(t *testing.T) {
	d, acts := chain(t)

	out := d.OutboundTransitions(acts[0])
	require.Len(t, out, 1)
	assert.Equal(t, "1", out[0].From)
	assert.Equal(t, "2", out[0].To)

	in := d.InboundTransitions(acts[1])
	require.Len(t, in, 1)
	assert.Equal(t, out[0], in[0])

	assert.Empty(t, d.InboundTransitions(acts[0]))
	assert.Empty(t, d.OutboundTransitions(acts[2]))
}

func TestTransitionsDeclarationOrder(t *testing.T) {
	d, acts := forkJoin(t)

	out := d.OutboundTransitions(acts[0])
	require.Len(t, out, 2)
	assert.Equal(t, "2", out[0].To)
	assert.Equal(t, "3", out[1].To)

	in := d.InboundTransitions(acts[3])
	require.Len(t, in, 2)
	assert.Equal(t, "2", in[0].From)
	assert.Equal(t, "3", in[1].From)
}

func TestDefinitionFrozenAfterValidate(t *testing.T) {
	d, acts := chain(t)
	d.Transitions = append(d.Transitions, edge("3", "1"))

	assert.Empty(t, d.OutboundTransitions(acts[2]))
	assert.Empty(t, d.InboundTransitions(acts[0]))
}

func TestDefinitionActivity(t *testing.T) {
	d, acts := chain(t)

	got, ok := d.Activity("2")
	require.True(t, ok)
	assert.Same(t, acts[1], got)

	_, ok = d.Activity("9")
	assert.False(t, ok)
}

func TestNewInstanceStartsAtStart(t *testing.T) {
	for _, build := range []func(*testing.T) (*Definition, []Activity){chain, forkJoin} {
		d, acts := build(t)
		inst, err := d.NewInstance()
		require.NoError(t, err)
		assert.Equal(t, []string{acts[0].ID()}, ids(inst.CurrentActivities()))
		assert.False(t, inst.IsCompleted())
	}
}

func TestKindOf(t *testing.T) {
	type customFork struct{ Fork }
	type customJoin struct{ Join }

	assert.Equal(t, KindActivity, KindOf(NewActivity("a")))
	assert.Equal(t, KindActivity, KindOf(newWriteNote("w", "x")))
	assert.Equal(t, KindFork, KindOf(NewFork("f")))
	assert.Equal(t, KindJoin, KindOf(NewJoin("j")))
	assert.Equal(t, KindFork, KindOf(&customFork{}))
	assert.Equal(t, KindJoin, KindOf(&customJoin{}))
	assert.Equal(t, "join", KindJoin.String())
}
