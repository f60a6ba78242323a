package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrAllFailed is returned when every link of a [Chain] failed or was
	// open. It wraps the last link's error.
	ErrAllFailed = errors.New("resilience: all providers failed")

	// ErrEmptyChain is returned when a [Chain] has no links.
	ErrEmptyChain = errors.New("resilience: chain has no providers")
)

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain is an ordered list of providers of one type. Links are tried in the
// order they were added; a link whose breaker is open is skipped.
type Chain[T any] struct {
	links []link[T]
	cfg   BreakerConfig
}

// NewChain returns an empty Chain. cfg is copied into every link's breaker
// with Name set to the link name.
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a link and returns the chain. Add is not safe to call
// concurrently with calls on the chain.
func (c *Chain[T]) Add(name string, v T) *Chain[T] {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, value: v, breaker: NewBreaker(cfg)})
	return c
}

// Names returns the link names in order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.name
	}
	return names
}

// Breaker returns the breaker of the named link, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for _, l := range c.links {
		if l.name == name {
			return l.breaker
		}
	}
	return nil
}

// Call runs fn against each link of c until one succeeds and returns its
// result with the name of the link that served it.
func Call[T, R any](c *Chain[T], fn func(T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	if len(c.links) == 0 {
		return zero, "", ErrEmptyChain
	}
	for i := range c.links {
		l := &c.links[i]
		var result R
		err := l.breaker.Execute(func() error {
			var err error
			result, err = fn(l.value)
			return err
		})
		if err == nil {
			return result, l.name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider", "provider", l.name, "reason", "circuit open")
			continue
		}
		slog.Warn("resilience: provider failed", "provider", l.name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
