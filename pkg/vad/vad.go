// Package vad implements threshold-based voice activity detection over a
// stream of audio level samples.
//
// A [Detector] is evaluated once per sample tick. It opens a speech window on
// the first sample above the volume threshold, arms a silence deadline when
// the level drops back, cancels that deadline when voice resumes, and reports
// [CommitReady] once the silence has lasted for the configured timeout and the
// window carried enough voiced audio.
//
// Detector is a plain state machine driven by the caller's clock; it owns no
// goroutines or timers.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Defaults used when a Config field is left zero.
const (
	DefaultVolumeThreshold   = 0.003
	DefaultSilenceTimeout    = 1200 * time.Millisecond
	DefaultMinSpeechDuration = 200 * time.Millisecond
)

// Config holds the detection thresholds.
type Config struct {
	// VolumeThreshold is the minimum level counted as voice. A sample counts
	// as voice only when it is strictly greater than this value.
	VolumeThreshold float64

	// SilenceTimeout is how long the level has to stay at or below the
	// threshold before an open window is closed.
	SilenceTimeout time.Duration

	// MinSpeechDuration is the voiced duration a window must exceed to be
	// treated as an utterance rather than a glitch.
	MinSpeechDuration time.Duration
}

// WithDefaults returns a copy of c with zero fields replaced by the package
// defaults.
func (c Config) WithDefaults() Config {
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = DefaultVolumeThreshold
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = DefaultMinSpeechDuration
	}
	return c
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.VolumeThreshold < 0 || c.VolumeThreshold >= 1 {
		errs = append(errs, fmt.Errorf("vad: volume threshold %v must be in [0, 1)", c.VolumeThreshold))
	}
	if c.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("vad: silence timeout %v must not be negative", c.SilenceTimeout))
	}
	if c.MinSpeechDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: min speech duration %v must not be negative", c.MinSpeechDuration))
	}
	return errors.Join(errs...)
}

// Event is the outcome of one [Detector.Process] call.
type Event int

const (
	// None means nothing observable happened on this tick.
	None Event = iota

	// SpeechStarted means a new speech window was opened.
	SpeechStarted

	// CommitReady means the window closed after sustained silence, carried
	// enough voiced audio, and the commit gate allowed it.
	CommitReady

	// Discarded means the window closed after sustained silence but was
	// too short or the commit gate refused it.
	Discarded
)

// String implements [fmt.Stringer].
func (e Event) String() string {
	switch e {
	case None:
		return "none"
	case SpeechStarted:
		return "speech_started"
	case CommitReady:
		return "commit_ready"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Window describes one continuous candidate utterance.
type Window struct {
	// StartedAt is the time of the first sample above the threshold.
	StartedAt time.Time

	// SilenceSince is when the current run of silence began. It is zero
	// while voice is present.
	SilenceSince time.Time
}

// Voiced returns the duration from the start of the window to the onset of
// the trailing silence.
func (w Window) Voiced() time.Duration {
	if w.SilenceSince.IsZero() {
		return 0
	}
	return w.SilenceSince.Sub(w.StartedAt)
}

// Option configures a Detector.
type Option func(*Detector)

// WithGate installs a predicate consulted when a window would otherwise be
// committed. Returning false turns the commit into [Discarded]. The
// controller uses it to require a non-empty transcript and an active
// recording.
func WithGate(gate func() bool) Option {
	return func(d *Detector) { d.gate = gate }
}

// Detector tracks at most one open speech window. It is not safe for
// concurrent use; drive it from a single goroutine.
type Detector struct {
	cfg  Config
	gate func() bool

	open     bool
	window   Window
	deadline time.Time
}

// New returns a Detector for cfg. Zero fields in cfg take the package
// defaults.
func New(cfg Config, opts ...Option) *Detector {
	d := &Detector{cfg: cfg.WithDefaults()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config { return d.cfg }

// Process evaluates one level sample taken at now.
func (d *Detector) Process(level float64, now time.Time) Event {
	if level > d.cfg.VolumeThreshold {
		if !d.open {
			d.open = true
			d.window = Window{StartedAt: now}
			d.deadline = time.Time{}
			return SpeechStarted
		}
		// Renewed voice cancels a pending silence deadline.
		d.window.SilenceSince = time.Time{}
		d.deadline = time.Time{}
		return None
	}

	if !d.open {
		return None
	}
	if d.deadline.IsZero() {
		d.window.SilenceSince = now
		d.deadline = now.Add(d.cfg.SilenceTimeout)
	}
	if now.Before(d.deadline) {
		return None
	}

	w := d.window
	d.Reset()
	if w.Voiced() > d.cfg.MinSpeechDuration && (d.gate == nil || d.gate()) {
		return CommitReady
	}
	return Discarded
}

// Reset closes any open window and cancels a pending silence deadline.
func (d *Detector) Reset() {
	d.open = false
	d.window = Window{}
	d.deadline = time.Time{}
}

// Active reports whether a speech window is open.
func (d *Detector) Active() bool { return d.open }

// Window returns the open speech window. The second result is false when no
// window is open.
func (d *Detector) Window() (Window, bool) {
	return d.window, d.open
}

// Pending reports whether a silence deadline is armed.
func (d *Detector) Pending() bool { return !d.deadline.IsZero() }
