//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/voxrelay/internal/app"
)

// notifyGestures translates SIGUSR1 and SIGUSR2 into gestures until ctx is
// done.
func notifyGestures(ctx context.Context) <-chan app.Gesture {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)

	out := make(chan app.Gesture)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				g, ok := gestureFor(sig)
				if !ok {
					continue
				}
				select {
				case out <- g:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func gestureFor(sig os.Signal) (app.Gesture, bool) {
	switch sig {
	case syscall.SIGUSR1:
		return app.GestureCancel, true
	case syscall.SIGUSR2:
		return app.GestureToggleTalk, true
	default:
		return 0, false
	}
}
