package workflow

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/activity-flow/types"
)

func TestResolve(t *testing.T) {
	p := NewDataProvider()
	a, b := NewActivity("a"), NewActivity("b")

	first := Resolve[note](p, a)
	first.Text = "hello"
	assert.Same(t, first, Resolve[note](p, a))
	assert.Equal(t, "hello", Resolve[note](p, NewActivity("a")).Text)

	assert.NotSame(t, first, Resolve[note](p, b))
	assert.Empty(t, Resolve[note](p, b).Text)

	c := Resolve[counter](p, a)
	assert.Equal(t, 1, c.Step)
	assert.Equal(t, 3, p.Len())
}

func TestResolveConcurrent(t *testing.T) {
	p := NewDataProvider()
	a := NewActivity("a")

	var wg sync.WaitGroup
	results := make([]*counter, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Resolve[counter](p, a)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, 1, p.Len())
}

func TestDataEntriesSorted(t *testing.T) {
	p := NewDataProvider()
	Resolve[note](p, NewActivity("b"))
	Resolve[counter](p, NewActivity("a"))
	Resolve[note](p, NewActivity("a"))

	entries, err := p.entriesDocument()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Activity)
	assert.Equal(t, "a", entries[1].Activity)
	assert.Less(t, entries[0].Type, entries[1].Type)
	assert.Equal(t, "b", entries[2].Activity)
}

func TestDataLoad(t *testing.T) {
	r := testRegistry(t)
	key := keyOf(reflect.TypeOf(counter{}))

	t.Run("KeepsStoredValues", func(t *testing.T) {
		p := NewDataProvider()
		err := p.load([]types.DataEntry{{Activity: "a", Type: key, Value: []byte(`{"step":0,"total":7}`)}}, r)
		require.NoError(t, err)
		c := Resolve[counter](p, NewActivity("a"))
		assert.Equal(t, 0, c.Step)
		assert.Equal(t, 7, c.Total)
	})

	t.Run("UnknownType", func(t *testing.T) {
		p := NewDataProvider()
		err := p.load([]types.DataEntry{{Activity: "a", Type: "nope", Value: []byte(`{}`)}}, r)
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("Duplicate", func(t *testing.T) {
		p := NewDataProvider()
		entry := types.DataEntry{Activity: "a", Type: key, Value: []byte(`{}`)}
		err := p.load([]types.DataEntry{entry, entry}, r)
		assert.ErrorContains(t, err, "duplicate data")
	})

	t.Run("BadValue", func(t *testing.T) {
		p := NewDataProvider()
		err := p.load([]types.DataEntry{{Activity: "a", Type: key, Value: []byte(`{"step":"x"}`)}}, r)
		assert.ErrorContains(t, err, "decode data")
	})
}
