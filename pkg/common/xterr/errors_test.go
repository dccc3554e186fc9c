package xterr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, 0},
		{Syntax("bad wildcard %q", "*"), 2},
		{Combo("--first with --all"), 2},
		{Config("missing key"), 3},
		{Env("no such dir"), 4},
		{Store("conflict"), 5},
		{Service("unreachable"), 6},
		{errors.New("boom"), 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ExitCode(tt.err), "%v", tt.err)
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := WithSentinel(CategoryStore, ErrAlreadyExists, "workspace %s", "ws1")
	wrapped := fmt.Errorf("create: %w", err)

	assert.ErrorIs(t, wrapped, ErrAlreadyExists)
	assert.Equal(t, CategoryStore, CategoryOf(wrapped))
	assert.Equal(t, "Store error", Label(wrapped))
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(MarkTransient(Service("throttled"))))
	assert.False(t, IsTransient(Service("bad request")))
	assert.Equal(t, CategoryService, CategoryOf(MarkTransient(Service("x"))))
}
