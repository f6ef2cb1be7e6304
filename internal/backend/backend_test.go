package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkBackends(n int) []Backend {
	out := make([]Backend, n)
	for i := 0; i < n; i++ {
		out[i] = Backend{Host: "h", Port: 9000 + i, IP: "10.0.0." + string(rune('1'+i))}
	}
	return out
}

func TestSetDedupesAndSorts(t *testing.T) {
	a := Backend{IP: "10.0.0.2", Port: 1}
	b := Backend{IP: "10.0.0.1", Port: 1}
	dup := Backend{IP: "10.0.0.1", Port: 1}

	s := NewSet([]Backend{a, b, dup})
	require.Equal(t, 2, s.Len())
	assert.Equal(t, "10.0.0.1:1", s.Members()[0].ID())
	assert.Equal(t, "10.0.0.2:1", s.Members()[1].ID())
}

func TestSetEqual(t *testing.T) {
	s1 := NewSet(mkBackends(3))
	s2 := NewSet(mkBackends(3))
	assert.True(t, s1.Equal(s2))

	s3 := NewSet(mkBackends(2))
	assert.False(t, s1.Equal(s3))
}

func TestRoundRobinCyclesAllMembers(t *testing.T) {
	s := NewSet(mkBackends(3))
	var rr RoundRobin
	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		b, ok := rr.Next(s)
		require.True(t, ok)
		seen[b.ID()]++
	}
	assert.Len(t, seen, 3)
	for _, c := range seen {
		assert.Equal(t, 3, c)
	}
}

func TestRoundRobinEmptySet(t *testing.T) {
	var rr RoundRobin
	_, ok := rr.Next(Set{})
	assert.False(t, ok)
}

func TestRendezvousProbeIsDeterministic(t *testing.T) {
	s := NewSet(mkBackends(5))
	var rv Rendezvous

	first := rv.Probe(s, "method:/svc/Foo", 5, nil)
	second := rv.Probe(s, "method:/svc/Foo", 5, nil)
	require.Len(t, first, 5)
	assert.Equal(t, first, second)
}

func TestRendezvousProbeRespectsPredicate(t *testing.T) {
	s := NewSet(mkBackends(5))
	var rv Rendezvous

	blocked := rv.Probe(s, "k", 1, nil)[0]
	out := rv.Probe(s, "k", 5, func(b Backend) bool { return b.ID() != blocked.ID() })
	require.Len(t, out, 4)
	for _, b := range out {
		assert.NotEqual(t, blocked.ID(), b.ID())
	}
}

func TestRendezvousProbeStopsAtN(t *testing.T) {
	s := NewSet(mkBackends(5))
	var rv Rendezvous
	out := rv.Probe(s, "k", 2, nil)
	assert.Len(t, out, 2)
}

func TestHandleRefcountReleasesOnLastRelease(t *testing.T) {
	released := false
	h := NewHandle(func() { released = true })
	h.Retain()
	h.Retain()
	h.Release()
	assert.False(t, released)
	h.Release()
	assert.True(t, released)
}

func TestHandlePublishAndWatch(t *testing.T) {
	h := NewHandle(nil)
	ch := h.Watch()
	s := NewSet(mkBackends(1))
	h.Publish(s)

	select {
	case got := <-ch:
		assert.True(t, got.Equal(s))
	default:
		t.Fatal("expected a published set on the watch channel")
	}
	assert.True(t, h.Current().Equal(s))
}

func TestHandleReadyLatchesOnFirstPublish(t *testing.T) {
	h := NewHandle(nil)
	assert.False(t, h.Ready())

	h.Publish(NewSet(mkBackends(1)))
	assert.True(t, h.Ready())

	h.Publish(Set{})
	assert.True(t, h.Ready(), "ready must not revert even if a later set is empty")
}
