package agent

import (
	"context"
	"errors"

	"insights/pkg/agent/llm"
)

// MockLLMClient is a scripted llm.LLMClient for tests. Each call first
// consumes the next scripted error if one remains, then the next scripted
// response. Every request is captured for assertions.
type MockLLMClient struct {
	Requests []llm.CompletionRequest

	responses []llm.CompletionResponse
	errs      []error
	respIdx   int
	errIdx    int
}

// NewMockLLMClient scripts a client with the given responses and errors.
func NewMockLLMClient(responses []llm.CompletionResponse, errs []error) *MockLLMClient {
	return &MockLLMClient{responses: responses, errs: errs}
}

func (m *MockLLMClient) next(req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.Requests = append(m.Requests, req)

	if m.errIdx < len(m.errs) && m.errs[m.errIdx] != nil {
		err := m.errs[m.errIdx]
		m.errIdx++
		return llm.CompletionResponse{}, err
	}
	if m.respIdx >= len(m.responses) {
		return llm.CompletionResponse{}, errors.New("mock client: script exhausted")
	}

	resp := m.responses[m.respIdx]
	m.respIdx++
	return resp, nil
}

// Complete returns the next scripted response or error.
func (m *MockLLMClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	return m.next(req)
}

// Stream returns the next scripted response as a single chunk.
func (m *MockLLMClient) Stream(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		ch <- llm.StreamChunk{Content: resp.Content, Done: true}
	}()
	return ch, nil
}

// GetModelName returns a fixed name.
func (m *MockLLMClient) GetModelName() string {
	return "mock-model"
}
