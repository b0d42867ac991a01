package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(p Priority, intra int) *ScheduledRequest {
	return &ScheduledRequest{key: PriorityKey{Priority: p, Intra: intra}}
}

func drainOrder(q *RequestQueue) []*ScheduledRequest {
	var out []*ScheduledRequest
	q.Ascend(func(r *ScheduledRequest) bool {
		out = append(out, r)
		return true
	})
	return out
}

func TestRequestQueueOrdering(t *testing.T) {
	q := NewRequestQueue()
	idle := queued(PriorityIdle, 0)
	lowA := queued(PriorityLowest, 0)
	lowB := queued(PriorityLowest, 0)
	lowIntra := queued(PriorityLowest, 5)
	high := queued(PriorityHighest, 0)

	for _, r := range []*ScheduledRequest{idle, lowA, lowB, lowIntra, high} {
		q.Insert(r)
	}

	assert.Equal(t, []*ScheduledRequest{high, lowIntra, lowA, lowB, idle}, drainOrder(q))

	top, ok := q.Highest()
	require.True(t, ok)
	assert.Same(t, high, top)
}

func TestRequestQueueFIFOIDsNeverReused(t *testing.T) {
	q := NewRequestQueue()
	a := queued(PriorityLow, 0)
	b := queued(PriorityLow, 0)
	q.Insert(a)
	q.Insert(b)
	first := a.fifo

	q.Erase(a)
	q.Insert(a)

	assert.Greater(t, a.fifo, b.fifo)
	assert.Greater(t, a.fifo, first)
	assert.Equal(t, []*ScheduledRequest{b, a}, drainOrder(q))
}

func TestRequestQueueAfter(t *testing.T) {
	q := NewRequestQueue()
	a := queued(PriorityHighest, 0)
	b := queued(PriorityLow, 0)
	c := queued(PriorityLow, 0)
	q.Insert(a)
	q.Insert(b)
	q.Insert(c)

	next, ok := q.After(a)
	require.True(t, ok)
	assert.Same(t, b, next)

	next, ok = q.After(b)
	require.True(t, ok)
	assert.Same(t, c, next)

	_, ok = q.After(c)
	assert.False(t, ok)
}

func TestRequestQueueEraseAndEmpty(t *testing.T) {
	q := NewRequestQueue()
	assert.True(t, q.IsEmpty())
	_, ok := q.Highest()
	assert.False(t, ok)

	r := queued(PriorityMedium, 0)
	q.Insert(r)
	assert.True(t, q.Contains(r))
	assert.Equal(t, 1, q.Len())

	q.Erase(r)
	q.Erase(r)
	assert.False(t, q.Contains(r))
	assert.True(t, q.IsEmpty())
}

func TestPriorityKeyGreaterThan(t *testing.T) {
	tests := []struct {
		name string
		a, b PriorityKey
		want bool
	}{
		{"higher level", PriorityKey{PriorityMedium, 0}, PriorityKey{PriorityLow, 9}, true},
		{"lower level", PriorityKey{PriorityIdle, 9}, PriorityKey{PriorityLowest, 0}, false},
		{"higher intra", PriorityKey{PriorityLow, 2}, PriorityKey{PriorityLow, 1}, true},
		{"equal", PriorityKey{PriorityLow, 1}, PriorityKey{PriorityLow, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.GreaterThan(tt.b))
		})
	}
}

func TestParsePriority(t *testing.T) {
	for p := PriorityThrottled; p <= PriorityHighest; p++ {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}
