// Package mock provides a scriptable [audio.Sampler] for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Sampler is a mock [audio.Sampler]. Set the level with [Sampler.Set];
// inspect [Sampler.Calls] afterwards. Safe for concurrent use.
type Sampler struct {
	mu    sync.Mutex
	level float64
	calls int
}

// Set changes the level returned by subsequent samples.
func (s *Sampler) Set(level float64) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// Sample implements [audio.Sampler].
func (s *Sampler) Sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.level
}

// Calls returns how many times Sample was called.
func (s *Sampler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ audio.Sampler = (*Sampler)(nil)
