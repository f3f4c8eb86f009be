package agent

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"braid.dev/braid/internal/models"
)

// maxListedFiles caps the session listing included in an inference prompt.
const maxListedFiles = 100

// Completer is the model call the inference runner needs. *llm.Client
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// InferenceRunner satisfies engine.Runner by sending each assignment's task
// to the model along with a listing of the session tree. The model's text
// response is the assignment output; it does not modify files itself.
type InferenceRunner struct {
	client Completer
}

// NewInferenceRunner builds a runner over a completion client.
func NewInferenceRunner(client Completer) *InferenceRunner {
	return &InferenceRunner{client: client}
}

const inferenceSystemPrompt = `You are one agent working on an assigned task inside an isolated workspace. Respond with your analysis and the concrete result of the task. Be specific; another process will act on your answer.`

// Run sends the assignment to the model and returns its response.
func (r *InferenceRunner) Run(ctx context.Context, a *models.AgentAssignment, sessionPath string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent: %s\nTask: %s\n", a.AgentID, a.Task)

	files, err := listFiles(sessionPath)
	if err == nil && len(files) > 0 {
		sb.WriteString("\nWorkspace files:\n")
		for _, f := range files {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}

	out, err := r.client.Complete(ctx, inferenceSystemPrompt, sb.String(), 4096)
	if err != nil {
		return "", fmt.Errorf("inference for agent %s: %w", a.AgentID, err)
	}
	return out, nil
}

// listFiles returns up to maxListedFiles relative paths under root.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= maxListedFiles {
			return fs.SkipAll
		}
		return nil
	})
	return files, err
}
