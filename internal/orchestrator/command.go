package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

// commandSpec builds the agent-specific invocation. The prompt rides as the
// final positional argument; the CLIs authenticate with their own OAuth, so
// no API key crosses the boundary.
func commandSpec(agent store.AgentKind, prompt, worktree string) (CommandSpec, error) {
	var bin string
	var args []string
	switch agent {
	case store.AgentClaude:
		bin = "claude"
		args = []string{
			"-p", "--verbose",
			"--output-format", "stream-json",
			"--permission-mode", "bypassPermissions",
			"--max-turns", "50",
			prompt,
		}
	case store.AgentCodex:
		bin = "codex"
		args = []string{"--approval-mode", "full-auto", "-q", prompt}
	case store.AgentGemini:
		bin = "gemini"
		args = []string{"-y", prompt}
	default:
		return CommandSpec{}, fmt.Errorf("unknown agent kind %q", agent)
	}
	return CommandSpec{Bin: bin, Args: args, Dir: worktree, Env: sanitizedEnv(os.Environ())}, nil
}

// strippedEnvKeys are provider API keys the child must never inherit.
var strippedEnvKeys = map[string]bool{
	"ANTHROPIC_API_KEY":  true,
	"OPENAI_API_KEY":     true,
	"GOOGLE_API_KEY":     true,
	"GEMINI_API_KEY":     true,
	"OPENROUTER_API_KEY": true,
	"XAI_API_KEY":        true,
	"MISTRAL_API_KEY":    true,
	"GROQ_API_KEY":       true,
	"DEEPSEEK_API_KEY":   true,
}

func sanitizedEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if ok && strippedEnvKeys[key] {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// execRunner starts real subprocesses.
type execRunner struct{}

// NewExecRunner returns the production Runner.
func NewExecRunner() Runner { return execRunner{} }

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (r execRunner) Start(ctx context.Context, spec CommandSpec) (Process, error) {
	bin, err := exec.LookPath(spec.Bin)
	if err != nil {
		return nil, fmt.Errorf("agent binary %q not found: %w", spec.Bin, err)
	}
	cmd := exec.Command(bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// Stdin stays nil so the child sees /dev/null; some agents block forever
	// on an open stdin.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
