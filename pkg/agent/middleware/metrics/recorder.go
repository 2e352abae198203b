// Package metrics observes model calls: latency, token usage, and
// failure classification per model, session, and agent.
package metrics

import "time"

// Sample describes one completed model call.
type Sample struct {
	Model            string
	SessionID        string
	Agent            string
	PromptTokens     int
	CompletionTokens int
	ErrorType        string // Empty on success
	Duration         time.Duration
}

// OK reports whether the call succeeded.
func (s Sample) OK() bool {
	return s.ErrorType == ""
}

// Recorder receives one Sample per model call.
type Recorder interface {
	ObserveRequest(s Sample)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(Sample) {}

// Nop returns a recorder that discards every sample. Used when metrics
// are disabled in config.
func Nop() Recorder {
	return nopRecorder{}
}
