// Package transcript accumulates recognized speech for the current user turn.
//
// Final fragments from the recognizer are appended to a committed buffer;
// interim fragments are kept separately and only ever shown to the user.
// The buffer is emptied exclusively through [Buffer.TakeAndClear], which is
// called once per commit.
package transcript

import (
	"strings"
	"sync"
)

// Buffer is the per-turn transcript. The zero value is ready to use and it is
// safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	final   strings.Builder
	interim string
}

// AppendFinal appends a final recognition fragment followed by a single space.
func (b *Buffer) AppendFinal(fragment string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.final.WriteString(fragment)
	b.final.WriteByte(' ')
	b.interim = ""
}

// SetInterim replaces the display-only interim text.
func (b *Buffer) SetInterim(fragment string) {
	b.mu.Lock()
	b.interim = fragment
	b.mu.Unlock()
}

// Interim returns the latest interim fragment.
func (b *Buffer) Interim() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interim
}

// Text returns the trimmed committed text without clearing it.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.final.String())
}

// Empty reports whether the committed text is empty after trimming.
func (b *Buffer) Empty() bool {
	return b.Text() == ""
}

// TakeAndClear returns the trimmed committed text and resets the buffer,
// including any interim text.
func (b *Buffer) TakeAndClear() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := strings.TrimSpace(b.final.String())
	b.final.Reset()
	b.interim = ""
	return text
}
