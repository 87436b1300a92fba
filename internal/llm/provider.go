// Package llm holds the remote language-model providers the relay talks to.
package llm

import (
	"context"
	"io"

	"gwi.com/chat-relay/internal/history"
)

// Completer is the stateless completion operation: the whole context goes
// up, one reply comes back.
type Completer interface {
	Complete(ctx context.Context, messages []history.Message) (string, error)
}

// ThreadProvider is the stateful assistant API. Handles are opaque
// provider identifiers.
type ThreadProvider interface {
	CreateAssistant(ctx context.Context) (string, error)
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, content string) error
	// RunAndPoll starts a run and blocks until it reaches a terminal status.
	RunAndPoll(ctx context.Context, assistantID, threadID string) (RunStatus, error)
	// LatestMessage returns the newest assistant message text in the thread.
	LatestMessage(ctx context.Context, threadID string) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, w io.Writer) error
}

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
	RunRequiresAction RunStatus = "requires_action"
)

// Terminal reports whether no further polling can change the run. The relay
// registers no tools, so requires_action can never be satisfied and counts
// as terminal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunQueued, RunInProgress, RunCancelling:
		return false
	}
	return true
}
