// Package agent runs and observes the external agent processes that do the
// actual work inside branch sessions. The kernel never interprets what an
// agent does; it hands the agent a private tree and collects the outcome.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"braid.dev/braid/internal/models"
)

// maxCapturedOutput bounds how much agent output is kept per assignment.
// Anything beyond it is discarded, not buffered.
const maxCapturedOutput = 64 * 1024

// CommandRunner executes one external command per assignment, with the
// session tree as working directory. The argv may reference the assignment
// through placeholders: {task}, {task_id}, {agent} and {session}.
type CommandRunner struct {
	argv []string
}

// NewCommandRunner builds a runner from an argv. The first element is the
// command, the rest its arguments.
func NewCommandRunner(argv []string) (*CommandRunner, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("agent command is empty")
	}
	return &CommandRunner{argv: append([]string(nil), argv...)}, nil
}

// Run executes the command for one assignment and returns its combined
// output. A non-zero exit makes the assignment fail.
func (r *CommandRunner) Run(ctx context.Context, a *models.AgentAssignment, sessionPath string) (string, error) {
	argv := make([]string, len(r.argv))
	for i, arg := range r.argv {
		argv[i] = expandPlaceholders(arg, a, sessionPath)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sessionPath
	cmd.Env = append(os.Environ(),
		"BRAID_BRANCH_ID="+a.BranchID,
		"BRAID_AGENT_ID="+a.AgentID,
		"BRAID_TASK_ID="+a.TaskID,
		"BRAID_TASK="+a.Task,
		"BRAID_SESSION="+sessionPath,
	)

	out := &boundedBuffer{max: maxCapturedOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		// Report the context's own error so timeouts and aborts are
		// classified correctly upstream.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.String(), ctxErr
		}
		return out.String(), fmt.Errorf("agent command %s: %w", argv[0], err)
	}
	return out.String(), nil
}

func expandPlaceholders(s string, a *models.AgentAssignment, sessionPath string) string {
	replacer := strings.NewReplacer(
		"{task}", a.Task,
		"{task_id}", a.TaskID,
		"{agent}", a.AgentID,
		"{session}", sessionPath,
	)
	return replacer.Replace(s)
}

// boundedBuffer keeps the first max bytes written and drops the rest.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n(output truncated)"
	}
	return b.buf.String()
}
