package contextmgr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSummarizer struct {
	calls    int
	lastPrev string
	evicted  [][]Message
	summary  string
	err      error
}

func (f *fakeSummarizer) Summarize(_ context.Context, prior string, evicted []Message) (string, error) {
	f.calls++
	f.lastPrev = prior
	f.evicted = append(f.evicted, evicted)
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func TestAddMessageUnderBudgetUntouched(t *testing.T) {
	sum := &fakeSummarizer{summary: "sum"}
	cm := NewContextManager(500, sum)

	cm.AddMessage(context.Background(), "user", "how much did we spend on travel?")
	cm.AddMessage(context.Background(), "assistant", "Travel spend was 1200.")

	assert.Equal(t, 0, sum.calls, "no compaction under budget")
	assert.Equal(t, 2, cm.GetMessageCount())
	assert.Empty(t, cm.Summary())
}

func TestOverBudgetTriggersSingleCompaction(t *testing.T) {
	sum := &fakeSummarizer{summary: "older turns summarized"}
	cm := NewContextManager(50, sum)

	cm.AddMessage(context.Background(), "user", strings.Repeat("alpha ", 30))
	cm.AddMessage(context.Background(), "assistant", strings.Repeat("beta ", 30))

	require.Equal(t, 1, sum.calls, "exactly one compaction for the overflowing append")
	assert.Equal(t, "older turns summarized", cm.Summary())

	msgs := cm.GetMessages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "system", msgs[0].Role, "summary message precedes survivors")
	assert.Contains(t, msgs[0].Content, "older turns summarized")
}

func TestMostRecentMessageSurvives(t *testing.T) {
	sum := &fakeSummarizer{summary: "s"}
	cm := NewContextManager(10, sum)

	big := strings.Repeat("word ", 100)
	cm.AddMessage(context.Background(), "user", "first")
	cm.AddMessage(context.Background(), "user", big)

	assert.Equal(t, 1, cm.GetMessageCount(), "latest message survives even over budget")
	msgs := cm.GetMessages()
	assert.Equal(t, big, msgs[len(msgs)-1].Content)
}

func TestSummarizerFailureStillEvicts(t *testing.T) {
	sum := &fakeSummarizer{err: errors.New("model down")}
	cm := NewContextManager(50, sum)

	cm.AddMessage(context.Background(), "user", strings.Repeat("alpha ", 30))
	cm.AddMessage(context.Background(), "assistant", strings.Repeat("beta ", 30))

	assert.Equal(t, 1, cm.GetMessageCount(), "eviction happens even when summarizer fails")
	assert.Contains(t, cm.Summary(), "dropped")
}

func TestNilSummarizerPlainEviction(t *testing.T) {
	cm := NewContextManager(50, nil)

	cm.AddMessage(context.Background(), "user", strings.Repeat("alpha ", 30))
	cm.AddMessage(context.Background(), "assistant", strings.Repeat("beta ", 30))

	assert.Equal(t, 1, cm.GetMessageCount())
	assert.Empty(t, cm.Summary())
}

func TestGetMessagesReturnsCopy(t *testing.T) {
	cm := NewContextManager(500, nil)
	cm.AddMessage(context.Background(), "user", "original")

	msgs := cm.GetMessages()
	msgs[0].Content = "mutated"

	again := cm.GetMessages()
	assert.Equal(t, "original", again[0].Content)
}

func TestClear(t *testing.T) {
	sum := &fakeSummarizer{summary: "s"}
	cm := NewContextManager(50, sum)
	cm.AddMessage(context.Background(), "user", strings.Repeat("alpha ", 30))
	cm.AddMessage(context.Background(), "user", strings.Repeat("beta ", 30))

	cm.Clear()
	assert.Equal(t, 0, cm.GetMessageCount())
	assert.Empty(t, cm.Summary())
	assert.Equal(t, "Empty context", cm.GetContextSummary())
}
