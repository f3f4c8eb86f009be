package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"braid.dev/braid/internal/models"
)

func TestBuildPlanPrompt(t *testing.T) {
	t.Run("with files and strategies", func(t *testing.T) {
		system, user := buildPlanPrompt("add retry logic", []string{"client.go", "client_test.go"}, []string{"union", "theirs"})

		assert.Contains(t, system, "JSON object")
		assert.Contains(t, system, `"name"`)
		assert.Contains(t, system, `"agents"`)
		assert.Contains(t, system, `"strategy"`)
		assert.Contains(t, system, `"merge_strategy"`)

		assert.Contains(t, user, "add retry logic")
		assert.Contains(t, user, "Known merge strategies: union, theirs")
		assert.Contains(t, user, "- client.go")
		assert.Contains(t, user, "- client_test.go")
	})

	t.Run("without files", func(t *testing.T) {
		_, user := buildPlanPrompt("rewrite docs", nil, nil)

		assert.NotContains(t, user, "Workspace files")
		assert.NotContains(t, user, "Known merge strategies")
		assert.Contains(t, user, "rewrite docs")
	})

	t.Run("system prompt names the execution strategies", func(t *testing.T) {
		system, _ := buildPlanPrompt("goal", nil, nil)

		assert.Contains(t, system, `"parallel"`)
		assert.Contains(t, system, `"sequential"`)
	})
}

func TestBuildResolvePrompt(t *testing.T) {
	t.Run("modified on both sides", func(t *testing.T) {
		system, user := buildResolvePrompt(models.Conflict{
			Path: "config.yaml",
			Kind: models.ConflictBothModified,
			Base: []byte("timeout: 30\n"),
			Versions: []models.ConflictVersion{
				{BranchID: "br-a", Content: []byte("timeout: 60\n")},
				{BranchID: "br-b", Content: []byte("timeout: 30\nretries: 3\n")},
			},
		})

		assert.Contains(t, system, `"content"`)
		assert.Contains(t, system, `"rationale"`)
		assert.Contains(t, system, "JSON")

		assert.Contains(t, user, "Path: config.yaml")
		assert.Contains(t, user, "both_modified")
		assert.Contains(t, user, "timeout: 30")
		assert.Contains(t, user, "Version from branch br-a")
		assert.Contains(t, user, "timeout: 60")
		assert.Contains(t, user, "retries: 3")
	})

	t.Run("delete against modify", func(t *testing.T) {
		_, user := buildResolvePrompt(models.Conflict{
			Path: "legacy.go",
			Kind: models.ConflictDeleteModify,
			Base: []byte("package legacy\n"),
			Versions: []models.ConflictVersion{
				{BranchID: "br-del"},
			},
		})

		assert.Contains(t, user, "delete_modify")
		assert.Contains(t, user, "(deleted)")
	})

	t.Run("added with no base", func(t *testing.T) {
		_, user := buildResolvePrompt(models.Conflict{
			Path: "new.txt",
			Kind: models.ConflictBothAdded,
			Versions: []models.ConflictVersion{
				{BranchID: "br-a", Content: []byte("alpha\n")},
				{BranchID: "br-b", Content: []byte("beta\n")},
			},
		})

		assert.Contains(t, user, "(file absent)")
		assert.Contains(t, user, "alpha")
		assert.Contains(t, user, "beta")
	})
}

func TestBuildPlanPromptLongGoal(t *testing.T) {
	goal := strings.Repeat("x", 10000)
	_, user := buildPlanPrompt(goal, nil, nil)
	assert.Contains(t, user, goal)
}
