package logx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainFiltering(t *testing.T) {
	SetDebug(true)
	defer SetDebug(false)
	defer SetDebugDomains(nil)

	SetDebugDomains([]string{"insight", "sandbox"})
	assert.True(t, IsDebugEnabledForDomain("insight"))
	assert.True(t, IsDebugEnabledForDomain("sandbox"))
	assert.False(t, IsDebugEnabledForDomain("supervisor"))

	SetDebugDomains(nil)
	assert.True(t, IsDebugEnabledForDomain("supervisor"), "empty domain list enables all")
}

func TestDebugDisabledByDefault(t *testing.T) {
	SetDebug(false)
	assert.False(t, IsDebugEnabled())
	assert.False(t, IsDebugEnabledForDomain("insight"), "domains off when debug is off")
}

func TestWithAgentID(t *testing.T) {
	base := NewLogger("supervisor")
	derived := base.WithAgentID("insight")

	assert.Equal(t, "supervisor", base.GetAgentID())
	assert.Equal(t, "insight", derived.GetAgentID())
}

func TestWrap(t *testing.T) {
	require.NoError(t, Wrap(nil, "noop"))

	base := errors.New("boom")
	wrapped := Wrap(base, "dataset import")
	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "dataset import: boom")
}

func TestDebugWithContext(t *testing.T) {
	SetDebug(true)
	defer SetDebug(false)

	Debug(context.Background(), "insight", "step %d", 1)
	ctx := WithAgentIDContext(context.Background(), "insight-agent")
	Debug(ctx, "insight", "step %d", 2)
}
