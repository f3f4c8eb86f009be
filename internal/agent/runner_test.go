package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"braid.dev/braid/internal/models"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests shell out to sh")
	}
}

func testAssignment() *models.AgentAssignment {
	return &models.AgentAssignment{
		ID:       "as-1",
		BranchID: "br-1",
		AgentID:  "agent-1",
		TaskID:   "fix-auth",
		Task:     "fix the login handler",
	}
}

func TestNewCommandRunner_EmptyArgv(t *testing.T) {
	_, err := NewCommandRunner(nil)
	assert.ErrorContains(t, err, "empty")

	_, err = NewCommandRunner([]string{""})
	assert.ErrorContains(t, err, "empty")
}

func TestCommandRunner_RunsInSessionDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	r, err := NewCommandRunner([]string{"sh", "-c", "pwd && touch produced.txt"})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), testAssignment(), dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Base(dir))

	_, err = os.Stat(filepath.Join(dir, "produced.txt"))
	assert.NoError(t, err, "command must run with the session tree as cwd")
}

func TestCommandRunner_ExposesAssignmentEnv(t *testing.T) {
	requireShell(t)

	r, err := NewCommandRunner([]string{"sh", "-c", "echo $BRAID_BRANCH_ID $BRAID_AGENT_ID $BRAID_TASK_ID"})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), testAssignment(), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "br-1 agent-1 fix-auth")
}

func TestCommandRunner_ExpandsPlaceholders(t *testing.T) {
	requireShell(t)

	r, err := NewCommandRunner([]string{"sh", "-c", "echo task={task_id} agent={agent}"})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), testAssignment(), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "task=fix-auth agent=agent-1")
}

func TestCommandRunner_NonZeroExitFails(t *testing.T) {
	requireShell(t)

	r, err := NewCommandRunner([]string{"sh", "-c", "echo boom before dying; exit 3"})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), testAssignment(), t.TempDir())
	require.Error(t, err)
	assert.ErrorContains(t, err, "agent command sh")
	assert.Contains(t, out, "boom before dying", "output must survive a failing command")
}

func TestCommandRunner_CancelledContext(t *testing.T) {
	requireShell(t)

	r, err := NewCommandRunner([]string{"sh", "-c", "sleep 30"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = r.Run(ctx, testAssignment(), t.TempDir())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandRunner_TruncatesRunawayOutput(t *testing.T) {
	requireShell(t)

	// Ten times the cap, produced in one go.
	r, err := NewCommandRunner([]string{"sh", "-c", "head -c 655360 /dev/zero | tr '\\0' 'x'"})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), testAssignment(), t.TempDir())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), maxCapturedOutput+len("\n(output truncated)"))
	assert.True(t, strings.HasSuffix(out, "(output truncated)"))
}

func TestExpandPlaceholders(t *testing.T) {
	a := testAssignment()
	got := expandPlaceholders("run {task_id} for {agent} in {session}: {task}", a, "/tmp/sess")
	assert.Equal(t, "run fix-auth for agent-1 in /tmp/sess: fix the login handler", got)
}
