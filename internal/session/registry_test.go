package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	s := New(Options{})

	r.Add("CA1", s)
	assert.Equal(t, 1, r.Count())
	assert.Same(t, s, r.Get("CA1"))

	r.Remove("CA1")
	assert.Equal(t, 0, r.Count())
	assert.Nil(t, r.Get("CA1"))
}

func TestRegistryUnknownIDs(t *testing.T) {
	r := NewRegistry()

	assert.Nil(t, r.Get("missing"))
	r.Remove("missing")
	assert.Equal(t, 0, r.Count())
}

func TestRegistryEach(t *testing.T) {
	r := NewRegistry()
	r.Add("CA1", New(Options{}))
	r.Add("CA2", New(Options{}))

	seen := map[string]bool{}
	r.Each(func(callID string, s *CallSession) {
		seen[callID] = true
		// Mutating the registry from inside the walk must not deadlock.
		r.Remove(callID)
	})

	assert.Equal(t, map[string]bool{"CA1": true, "CA2": true}, seen)
	assert.Equal(t, 0, r.Count())
}
