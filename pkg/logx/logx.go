// Package logx provides agent-tagged logging with debug output gated by
// environment variables.
package logx

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level labels a log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes timestamped lines tagged with the owning agent.
type Logger struct {
	agentID string
	out     *log.Logger
}

// NewLogger creates a logger for the given agent. Output goes to stderr
// so the REPL on stdout stays clean.
func NewLogger(agentID string) *Logger {
	return &Logger{
		agentID: agentID,
		out:     log.New(os.Stderr, "", 0),
	}
}

// GetAgentID returns the agent tag this logger writes under.
func (l *Logger) GetAgentID() string {
	return l.agentID
}

// WithAgentID derives a logger writing under a different agent tag.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{agentID: agentID, out: l.out}
}

func (l *Logger) write(level Level, format string, args ...any) {
	stamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	l.out.Printf("[%s] [%s] %s: %s", stamp, l.agentID, level, fmt.Sprintf(format, args...))
}

// Debug writes a line only when debug logging is enabled.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.write(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.write(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.write(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.write(LevelError, format, args...)
}

// Debug state is process-wide. DEBUG=1 turns it on; DEBUG_DOMAINS narrows
// it to a comma-separated list of domains, for example:
//
//	DEBUG=1 DEBUG_DOMAINS=insight,sandbox ./insights
//
//nolint:gochecknoglobals // Process-wide switch
var debug = struct {
	sync.RWMutex
	enabled bool
	domains map[string]bool // nil means every domain
}{}

func init() { //nolint:gochecknoinits // Reads the env once at startup
	value := os.Getenv("DEBUG")
	SetDebug(value == "1" || strings.EqualFold(value, "true"))
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		SetDebugDomains(strings.Split(domains, ","))
	}
}

// SetDebug turns debug logging on or off globally.
func SetDebug(enabled bool) {
	debug.Lock()
	defer debug.Unlock()
	debug.enabled = enabled
}

// SetDebugDomains restricts debug logging to the named domains. An empty
// list re-enables every domain.
func SetDebugDomains(domains []string) {
	debug.Lock()
	defer debug.Unlock()

	if len(domains) == 0 {
		debug.domains = nil
		return
	}
	debug.domains = map[string]bool{}
	for _, domain := range domains {
		debug.domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabled reports the global debug switch.
func IsDebugEnabled() bool {
	debug.RLock()
	defer debug.RUnlock()
	return debug.enabled
}

// IsDebugEnabledForDomain reports whether the domain passes the filter.
func IsDebugEnabledForDomain(domain string) bool {
	debug.RLock()
	defer debug.RUnlock()
	if !debug.enabled {
		return false
	}
	return debug.domains == nil || debug.domains[domain]
}

type agentIDKey struct{}

// WithAgentIDContext stores the agent tag the package-level Debug reads.
func WithAgentIDContext(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// Debug writes a domain-filtered debug line, tagged with the agent carried
// in ctx when present:
//
//	logx.Debug(ctx, "sandbox", "executing %d statements", n)
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}

	agentID := "system"
	if ctx != nil {
		if id, ok := ctx.Value(agentIDKey{}).(string); ok && id != "" {
			agentID = id
		}
	}
	NewLogger(agentID).write(LevelDebug, "[%s] %s", domain, fmt.Sprintf(format, args...))
}

//nolint:gochecknoglobals // Shared sink for Wrap
var defaultLogger = NewLogger("system")

// Wrap logs the wrapped error and returns it, for call sites that need
// both:
//
//	if err != nil { return logx.Wrap(err, "dataset import") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
