package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/turn"
)

// statusText is the status line shown on entering each state.
var statusText = map[turn.State]string{
	turn.Idle:             "Ready",
	turn.Recording:        "Listening...",
	turn.AwaitingResponse: "Processing...",
	turn.Speaking:         "AI Speaking...",
}

// console prints the conversation and status lines for a terminal user.
type console struct {
	mu sync.Mutex
	w  io.Writer

	// replies echoes the reply text. Off when a TextSpeaker already prints
	// it.
	replies bool
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format, args...)
}

func (c *console) status(s turn.State) {
	if text, ok := statusText[s]; ok {
		c.printf("-- %s\n", text)
	}
}

func (c *console) interim(text string) { c.printf("   ~ %s\n", text) }

func (c *console) notice(n turn.Notice) { c.printf("!! %s\n", n.Text) }

func (c *console) turn(t turn.Turn) {
	c.printf("You: %s\n", t.User)
	if c.replies {
		c.printf("AI: %s\n", t.Reply)
	}
}
