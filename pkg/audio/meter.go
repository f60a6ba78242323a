package audio

import (
	"math"
	"sync"
)

// LevelMeter is a [Sampler] fed with captured frames. Each written frame
// replaces the current level; [LevelMeter.Sample] reads it without blocking.
//
// The zero value has no source attached and samples as 0. LevelMeter is safe
// for concurrent use.
type LevelMeter struct {
	mu       sync.Mutex
	attached bool
	level    float64
}

var _ Sampler = (*LevelMeter)(nil)

// Write measures frame and makes its level the current reading. Writing marks
// the meter as attached.
func (m *LevelMeter) Write(frame AudioFrame) {
	l := Level(frame.Data)
	m.mu.Lock()
	m.attached = true
	m.level = l
	m.mu.Unlock()
}

// Detach forgets the source. Subsequent samples return 0 until the next
// Write.
func (m *LevelMeter) Detach() {
	m.mu.Lock()
	m.attached = false
	m.level = 0
	m.mu.Unlock()
}

// Attached reports whether a frame has been written since the last Detach.
func (m *LevelMeter) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// Sample implements [Sampler].
func (m *LevelMeter) Sample() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attached {
		return 0
	}
	return m.level
}

// Level returns the mean absolute amplitude of pcm normalised to [0, 1].
// Empty or single-byte input measures 0.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		sum += math.Abs(float64(s))
	}
	return math.Min(sum/float64(n)/32768, 1)
}
