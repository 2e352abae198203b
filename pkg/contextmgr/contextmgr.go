// Package contextmgr manages bounded per-agent conversation memory.
//
// Each agent keeps an ordered message log under a token budget. When an
// append pushes the log over budget, the oldest messages are collapsed
// into a running summary produced by a summarizer model. Compaction is
// lossy; the summary plus the surviving messages always fit the budget.
package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"insights/pkg/utils"
)

// DefaultMaxTokens is the per-agent memory budget before compaction.
const DefaultMaxTokens = 500

// Message represents a single message in the conversation context.
type Message struct {
	Role    string
	Content string
}

// Summarizer produces a running summary from prior summary plus evicted messages.
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary string, evicted []Message) (string, error)
}

// ContextManager manages conversation context and token counting.
// Safe for use from a single session goroutine; the mutex keeps each
// mutation atomic with respect to readers.
type ContextManager struct {
	mu        sync.Mutex
	messages  []Message
	summary   string
	maxTokens int
	counter   *utils.TokenCounter
	summarize Summarizer
}

// NewContextManager creates a context manager with the given token budget.
// A nil summarizer falls back to plain eviction without a summary.
func NewContextManager(maxTokens int, summarizer Summarizer) *ContextManager {
	counter, err := utils.NewTokenCounter("gpt-4o")
	if err != nil {
		counter = nil // CountTokens falls back to length/4 estimation
	}
	return &ContextManager{
		messages:  make([]Message, 0),
		maxTokens: maxTokens,
		counter:   counter,
		summarize: summarizer,
	}
}

// AddMessage stores a role/content pair in the context and compacts if the
// budget is exceeded. The mutation is atomic: on summarizer failure the
// oldest messages are still evicted so the budget holds.
func (cm *ContextManager) AddMessage(ctx context.Context, role, content string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.messages = append(cm.messages, Message{Role: role, Content: content})
	cm.compactIfNeededLocked(ctx)
}

// CountTokens returns the token count of the current context, including
// the running summary.
func (cm *ContextManager) CountTokens() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.countLocked()
}

func (cm *ContextManager) countLocked() int {
	total := cm.countText(cm.summary)
	for i := range cm.messages {
		total += cm.countText(cm.messages[i].Role) + cm.countText(cm.messages[i].Content)
	}
	return total
}

func (cm *ContextManager) countText(text string) int {
	if cm.counter != nil {
		return cm.counter.CountTokens(text)
	}
	return len(text) / 4
}

// compactIfNeededLocked collapses the oldest messages into the summary
// until the context fits the budget again. The most recent message always
// survives, even if it alone exceeds the budget.
func (cm *ContextManager) compactIfNeededLocked(ctx context.Context) {
	if cm.countLocked() <= cm.maxTokens {
		return
	}

	var evicted []Message
	for cm.countLocked() > cm.maxTokens && len(cm.messages) > 1 {
		evicted = append(evicted, cm.messages[0])
		cm.messages = cm.messages[1:]
	}

	if len(evicted) == 0 {
		return
	}

	if cm.summarize != nil {
		summary, err := cm.summarize.Summarize(ctx, cm.summary, evicted)
		if err == nil && summary != "" {
			cm.summary = summary
			// Summary itself may blow the budget; truncate as a last resort
			if cm.counter != nil && cm.countText(cm.summary) > cm.maxTokens/2 {
				cm.summary = cm.counter.TruncateToTokenLimit(cm.summary, cm.maxTokens/2)
			}
			return
		}
		// Summarizer failed: eviction already happened, note the loss
		cm.summary = strings.TrimSpace(cm.summary + "\n(Earlier conversation history was dropped.)")
		return
	}

	// No summarizer configured: plain eviction
}

// GetMessages returns a copy of the context. When a summary exists it is
// prepended as a system message so callers see the full effective context.
func (cm *ContextManager) GetMessages() []Message {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	result := make([]Message, 0, len(cm.messages)+1)
	if cm.summary != "" {
		result = append(result, Message{
			Role:    "system",
			Content: fmt.Sprintf("Summary of earlier conversation:\n%s", cm.summary),
		})
	}
	result = append(result, cm.messages...)
	return result
}

// Summary returns the current running summary, if any.
func (cm *ContextManager) Summary() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.summary
}

// Clear removes all messages and the summary from the context.
func (cm *ContextManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = cm.messages[:0]
	cm.summary = ""
}

// GetMessageCount returns the number of live (non-summarized) messages.
func (cm *ContextManager) GetMessageCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.messages)
}

// GetContextSummary returns a brief description of the context state.
func (cm *ContextManager) GetContextSummary() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(cm.messages) == 0 && cm.summary == "" {
		return "Empty context"
	}

	roleCounts := make(map[string]int)
	for i := range cm.messages {
		roleCounts[cm.messages[i].Role]++
	}

	var roleBreakdown []string
	for role, count := range roleCounts {
		roleBreakdown = append(roleBreakdown, fmt.Sprintf("%s: %d", role, count))
	}

	return fmt.Sprintf("%d messages (%d tokens) - %s",
		len(cm.messages), cm.countLocked(), strings.Join(roleBreakdown, ", "))
}
