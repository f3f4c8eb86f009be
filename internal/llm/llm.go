package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"braid.dev/braid/internal/models"
)

// Client wraps the Anthropic API for branch planning and conflict resolution.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// Complete sends one system/user prompt pair and returns the response text.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}
	return textContent(msg)
}

// buildPlanPrompt constructs the system and user prompts for branch planning.
func buildPlanPrompt(goal string, files []string, strategies []string) (system string, user string) {
	system = `You plan concurrent agent work over a shared file workspace. Return ONLY a JSON object with these fields:
- "name": short kebab-case branch name for this line of work
- "agents": array of objects, one per agent, each with "agent_id" (agent-1, agent-2, ...), "task_id" (short kebab-case task identifier), and "task" (specific, self-contained instructions for that agent)
- "strategy": "parallel" when the tasks touch disjoint files, otherwise "sequential"
- "merge_strategy": one of the known merge strategies from the user message
- "rationale": one or two sentences explaining how the work was split

Rules:
- Prefer a few agents with substantial tasks over many tiny ones
- Tasks that are likely to edit the same files must never be split across parallel agents
- Default "merge_strategy" to "union" unless the goal suggests the whole tree should be replaced or preserved
- Each task must be completable without talking to the other agents
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Goal:\n")
	sb.WriteString(goal)
	sb.WriteString("\n")
	if len(strategies) > 0 {
		sb.WriteString("\nKnown merge strategies: ")
		sb.WriteString(strings.Join(strategies, ", "))
		sb.WriteString("\n")
	}
	if len(files) > 0 {
		sb.WriteString("\nWorkspace files:\n")
		for _, f := range files {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}
	user = sb.String()
	return
}

// SuggestPlan asks the model to break a goal down into a branch plan with one
// or more agent assignments.
func (c *Client) SuggestPlan(ctx context.Context, goal string, files []string, strategies []string) (*models.BranchPlan, error) {
	systemPrompt, userPrompt := buildPlanPrompt(goal, files, strategies)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	text, err := textContent(msg)
	if err != nil {
		return nil, err
	}

	var plan models.BranchPlan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if plan.Name == "" {
		return nil, fmt.Errorf("plan is missing a branch name\nraw response: %s", text)
	}
	if len(plan.Agents) == 0 {
		return nil, fmt.Errorf("plan has no agent assignments\nraw response: %s", text)
	}
	return &plan, nil
}

// Resolution holds the model's proposed resolution for one conflicted path.
type Resolution struct {
	Content   string `json:"content"`
	Rationale string `json:"rationale"`
}

// buildResolvePrompt constructs the system and user prompts for resolving a
// single merge conflict.
func buildResolvePrompt(c models.Conflict) (system string, user string) {
	system = `You resolve merge conflicts between concurrent edits to the same file. Given the base content and one or more branch versions, return a JSON object with exactly two fields:

- "content": the complete resolved file content, combining the intent of every version where possible
- "rationale": one or two sentences explaining how the versions were reconciled

Rules:
- Keep every change that does not contradict another version
- When versions genuinely contradict each other, prefer the more complete one and say so in the rationale
- An absent base means the file did not exist before; an absent version content means that branch deleted the file
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Path: ")
	sb.WriteString(c.Path)
	sb.WriteString("\nConflict kind: ")
	sb.WriteString(string(c.Kind))
	sb.WriteString("\n")
	if c.Base != nil {
		sb.WriteString("\nBase content:\n")
		sb.Write(c.Base)
		sb.WriteString("\n")
	} else {
		sb.WriteString("\nBase content: (file absent)\n")
	}
	for _, v := range c.Versions {
		sb.WriteString("\nVersion from branch ")
		sb.WriteString(v.BranchID)
		sb.WriteString(":\n")
		if v.Content == nil {
			sb.WriteString("(deleted)\n")
		} else {
			sb.Write(v.Content)
			sb.WriteString("\n")
		}
	}
	user = sb.String()
	return
}

// ResolveConflict asks the model for a resolved content for one conflict.
func (c *Client) ResolveConflict(ctx context.Context, conflict models.Conflict) (*Resolution, error) {
	systemPrompt, userPrompt := buildResolvePrompt(conflict)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	text, err := textContent(msg)
	if err != nil {
		return nil, err
	}

	var res Resolution
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return &res, nil
}

// textContent pulls the first text block out of a response and strips any
// markdown fencing around it.
func textContent(msg *anthropic.Message) (string, error) {
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text, nil
}
