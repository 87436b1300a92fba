package relay

import (
	"errors"
	"fmt"

	"gwi.com/chat-relay/internal/llm"
)

// ErrNotInitialized is returned by the thread strategy when a turn arrives
// for a user that has no session mapping yet.
var ErrNotInitialized = errors.New("session not initialized")

// ProviderError wraps a failed remote call. Turns are never retried.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RunFailedError reports a run that reached a terminal status other than
// completed.
type RunFailedError struct {
	Status llm.RunStatus
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run ended with status %q", e.Status)
}
