package imapconn

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// Idle enters IDLE on the selected folder for up to maxWait, returning early
// when the server pushes an update. Returns true when an update arrived.
// Servers without IDLE get a NOOP-polling fallback from the idle client.
func (s *Session) Idle(ctx context.Context, maxWait time.Duration) (bool, error) {
	idleClient := idle.NewClient(s.c)

	updates := make(chan imapclient.Update, 10)
	s.c.Updates = updates
	defer func() { s.c.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, 30*time.Second)
	}()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	stopIdle := func() error {
		close(stop)
		// Wait for the IDLE command to terminate so the connection is back
		// in a usable state before the session is reused.
		return <-done
	}

	for {
		select {
		case <-ctx.Done():
			_ = stopIdle()
			return false, ctx.Err()
		case <-timer.C:
			if err := stopIdle(); err != nil {
				return false, err
			}
			return false, nil
		case err := <-done:
			// IDLE ended on its own (error or server hangup).
			return false, err
		case update := <-updates:
			if update == nil {
				continue
			}
			if err := stopIdle(); err != nil {
				return true, err
			}
			return true, nil
		}
	}
}
