package jobregistry

import (
	"context"
	"time"
)

// startHeartbeat calls beat every interval until ctx ends or the returned
// stop func is called. stop waits for the goroutine to exit.
func startHeartbeat(ctx context.Context, interval time.Duration, beat func()) func() {
	t := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				beat()
			}
		}
	}()

	var closed bool
	return func() {
		if closed {
			return
		}
		closed = true
		t.Stop()
		close(done)
		<-stopped
	}
}
