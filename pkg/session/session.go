// Package session orchestrates one conversation as an explicit state graph.
//
// The graph has three states: the supervisor, the insight agent, and a
// terminal finish state. Every turn enters through the supervisor; workers
// always report their final answer back to it. The session owns the
// append-only turn log and the two bounded memories, so concurrent sessions
// share nothing.
package session

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"insights/pkg/contextmgr"
	"insights/pkg/extract"
	"insights/pkg/insight"
	"insights/pkg/logx"
	"insights/pkg/supervisor"
)

// Graph node names. NodeFinish is terminal.
const (
	NodeSupervisor = supervisor.AgentName
	NodeInsight    = insight.AgentName
	NodeFinish     = supervisor.NextFinish
)

// ErrorTurnContent prefixes the terminal turn appended when a node
// invocation fails.
const ErrorTurnContent = "Error in bot response. Restart the chat session."

// DefaultMaxAutoTurns bounds consecutive automatic assistant turns between
// user inputs. Supervisor and insight turns both count, so a delegation
// cycle cannot loop past the ceiling.
const DefaultMaxAutoTurns = 10

// Turn is one entry of the append-only turn log.
type Turn struct {
	Role          string // "user" or "assistant"
	Agent         string // Who produced this turn
	Content       string
	Next          string // Node that acts next; NodeFinish ends the exchange
	CallBot       bool   // Whether Advance should process this turn
	ErrorResponse bool

	// Exactly one of these is set on assistant turns, by producing node.
	Route   *supervisor.Outcome
	Insight *insight.Result
}

// Config assembles a session.
type Config struct {
	Supervisor       *supervisor.Supervisor
	Insight          *insight.Agent
	SupervisorMemory *contextmgr.ContextManager
	InsightMemory    *contextmgr.ContextManager
	MaxAutoTurns     int
	ArtifactDir      string
}

// Session is one isolated conversation.
type Session struct {
	ID string

	sup          *supervisor.Supervisor
	insightAgent *insight.Agent
	supMemory    *contextmgr.ContextManager
	insMemory    *contextmgr.ContextManager
	maxAutoTurns int
	artifactDir  string
	turns        []Turn
	logger       *logx.Logger
}

// New creates a session and its artifact directory.
func New(cfg Config) (*Session, error) {
	if cfg.Supervisor == nil || cfg.Insight == nil {
		return nil, fmt.Errorf("session requires both agents")
	}
	if cfg.MaxAutoTurns <= 0 {
		cfg.MaxAutoTurns = DefaultMaxAutoTurns
	}
	if cfg.SupervisorMemory == nil {
		cfg.SupervisorMemory = contextmgr.NewContextManager(contextmgr.DefaultMaxTokens, nil)
	}
	if cfg.InsightMemory == nil {
		cfg.InsightMemory = contextmgr.NewContextManager(contextmgr.DefaultMaxTokens, nil)
	}
	if cfg.ArtifactDir != "" {
		if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}

	id := uuid.New().String()
	return &Session{
		ID:           id,
		sup:          cfg.Supervisor,
		insightAgent: cfg.Insight,
		supMemory:    cfg.SupervisorMemory,
		insMemory:    cfg.InsightMemory,
		maxAutoTurns: cfg.MaxAutoTurns,
		artifactDir:  cfg.ArtifactDir,
		logger:       logx.NewLogger("session-" + id[:8]),
	}, nil
}

// Submit records a user question. The next Advance routes it through the
// supervisor.
func (s *Session) Submit(question string) {
	s.turns = append(s.turns, Turn{
		Role:    "user",
		Agent:   "User",
		Content: question,
		Next:    NodeSupervisor,
		CallBot: true,
	})
}

// Advance processes the pending turn, appends the resulting assistant turn,
// and returns it. It returns nil when nothing is pending: the last turn
// finished, errored, or hit the automatic-turn ceiling. Node failures are
// consumed into a terminal error turn rather than returned.
func (s *Session) Advance(ctx context.Context) (*Turn, error) {
	if len(s.turns) == 0 {
		return nil, nil
	}
	last := s.turns[len(s.turns)-1]
	if !last.CallBot || last.ErrorResponse {
		return nil, nil
	}

	var turn Turn
	switch last.Next {
	case NodeSupervisor:
		turn = s.superviseStep(ctx, last)
	case NodeInsight:
		turn = s.insightStep(ctx, last)
	default:
		return nil, fmt.Errorf("turn points at unknown node %q", last.Next)
	}

	s.turns = append(s.turns, turn)
	return &s.turns[len(s.turns)-1], nil
}

// RunToCompletion advances until the session settles, returning the turns
// produced. The automatic-turn ceiling bounds this loop.
func (s *Session) RunToCompletion(ctx context.Context) ([]Turn, error) {
	var produced []Turn
	for {
		turn, err := s.Advance(ctx)
		if err != nil {
			return produced, err
		}
		if turn == nil {
			return produced, nil
		}
		produced = append(produced, *turn)
	}
}

// superviseStep routes one question (or a worker's reported answer) through
// the supervisor.
func (s *Session) superviseStep(ctx context.Context, last Turn) Turn {
	question := last.Content
	if last.Role == "assistant" && last.Insight != nil {
		answer := extract.Within(last.Insight.Final, extract.SectionAnswer)
		question = fmt.Sprintf("Final answer by '%s' agent: %s", last.Agent, answer)
	}

	out, err := s.sup.Route(ctx, question, s.supMemory.GetMessages())
	if err != nil {
		return s.errorTurn(NodeSupervisor, err)
	}

	for _, note := range out.MemoryNotes {
		s.supMemory.AddMessage(ctx, "user", note)
	}
	s.supMemory.AddMessage(ctx, "user", question)
	s.supMemory.AddMessage(ctx, "assistant", out.Content)

	next := out.Next
	if next == "" {
		next = NodeFinish
	}

	// A tier-mapping hard stop shows the user both the mapping note and
	// the canonical error text.
	content := out.Content
	if out.ErrorMessage != "" {
		content = fmt.Sprintf("%s\n%s", content, out.ErrorMessage)
	}

	outCopy := out
	return s.finishTurn(Turn{
		Role:    "assistant",
		Agent:   NodeSupervisor,
		Content: content,
		Next:    next,
		Route:   &outCopy,
	})
}

// insightStep runs the insight agent on the enriched question carried by
// the routing decision.
func (s *Session) insightStep(ctx context.Context, last Turn) Turn {
	var enriched string
	if last.Route != nil {
		enriched = last.Route.Decision.EnrichedQuestion
	}

	result, err := s.insightAgent.Answer(ctx, enriched, s.insMemory.GetMessages())
	if err != nil {
		return s.errorTurn(NodeInsight, err)
	}

	if enriched != "" {
		s.insMemory.AddMessage(ctx, "user", enriched)
		s.insMemory.AddMessage(ctx, "assistant", result.Final)
	}

	return s.finishTurn(Turn{
		Role:    "assistant",
		Agent:   NodeInsight,
		Content: result.Answer,
		Next:    NodeSupervisor,
		Insight: &result,
	})
}

// errorTurn is the terminal turn for a failed node invocation.
func (s *Session) errorTurn(agent string, err error) Turn {
	s.logger.Error("%s step failed: %v", agent, err)
	return Turn{
		Role:          "assistant",
		Agent:         agent,
		Content:       fmt.Sprintf("%s\nError traceback: %v", ErrorTurnContent, err),
		Next:          NodeFinish,
		ErrorResponse: true,
	}
}

// finishTurn sets CallBot: a turn keeps the session advancing unless it
// reached the finish node or it is the last automatic turn the ceiling
// allows since the user last spoke.
func (s *Session) finishTurn(turn Turn) Turn {
	turn.CallBot = turn.Next != NodeFinish && s.trailingAutoRun() < s.maxAutoTurns
	return turn
}

// trailingAutoRun counts assistant turns at the tail of the log, stopping
// at the most recent user turn. Alternating supervisor and insight turns
// all count, so a delegation cycle trips the ceiling just like a run of
// repeated turns.
func (s *Session) trailingAutoRun() int {
	run := 0
	for i := len(s.turns) - 1; i >= 0 && s.turns[i].Role == "assistant"; i-- {
		run++
	}
	return run
}

// Turns returns a copy of the turn log.
func (s *Session) Turns() []Turn {
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Artifacts returns every chart artifact produced so far, in turn order.
func (s *Session) Artifacts() []string {
	var paths []string
	for i := range s.turns {
		if s.turns[i].Insight != nil {
			paths = append(paths, s.turns[i].Insight.Figures...)
		}
	}
	return paths
}

// ArtifactDir returns the directory chart artifacts are written to.
func (s *Session) ArtifactDir() string {
	return s.artifactDir
}
