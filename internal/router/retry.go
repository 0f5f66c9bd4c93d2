package router

import "time"

// Store writes that fail transiently (locked database, fsync hiccup) get a
// few quick retries before the caller gives up and drops the connection so
// the peer can retransmit.
const (
	retryAttempts = 3
	retryInitial  = 50 * time.Millisecond
)

func withRetry(op func() error) error {
	var err error
	delay := retryInitial
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < retryAttempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
