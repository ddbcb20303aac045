package notify

import "fmt"

// ConnectionError is returned by Connect when an attempt exhausts its
// transport retries, exceeds the connect timeout, or is abandoned by Disconnect.
type ConnectionError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime connection failed (%s after %d attempts): %v", e.Reason, e.Attempts, e.Err)
	}
	return fmt.Sprintf("realtime connection failed: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
