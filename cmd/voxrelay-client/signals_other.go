//go:build !unix

package main

import (
	"context"

	"github.com/MrWong99/voxrelay/internal/app"
)

// notifyGestures returns nil: there are no user signals on this platform,
// so turns come from -say or hands-free mode.
func notifyGestures(context.Context) <-chan app.Gesture { return nil }
