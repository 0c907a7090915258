// Package orchestrator owns the agent subprocess lifecycle: spawn gating,
// worktree provisioning, stream parsing, timeout enforcement, and the push +
// pull-request pipeline on clean exit.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

// Typed spawn-gate errors. spawnAgent fails with exactly one of these (or
// store.ErrNotFound) and leaves no side effects.
var (
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	ErrProjectBusy      = errors.New("project already has a running agent")
	ErrCardBusy         = errors.New("card already has a running agent")
	ErrWorktreeFailed   = errors.New("worktree creation failed")
)

// AgentProcess is the safe, handle-free snapshot of a running or recently
// finished agent. The authoritative persistent mirror lives on the card and
// in the audit log.
type AgentProcess struct {
	CardID     string            `json:"card_id"`
	ProjectID  string            `json:"project_id"`
	Agent      store.AgentKind   `json:"agent"`
	Status     store.AgentStatus `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	BranchName string            `json:"branch_name"`
	SpanID     string            `json:"span_id"`
}

// SpawnRequest carries everything spawnAgent needs. Cwd is the server's
// workspace repository root, never caller-controlled.
type SpawnRequest struct {
	CardID    string
	ProjectID string
	Agent     store.AgentKind
	Cwd       string
}

// Process is a started agent subprocess. The exec-backed implementation
// lives in command.go; tests substitute fakes.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit and returns the run error, if any.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// CommandSpec describes one subprocess invocation.
type CommandSpec struct {
	Bin  string
	Args []string
	Dir  string
	Env  []string
}

// Runner starts agent subprocesses.
type Runner interface {
	Start(ctx context.Context, spec CommandSpec) (Process, error)
}

// Notifier delivers best-effort human notifications. The orchestrator never
// waits on it.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) {}
