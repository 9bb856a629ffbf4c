package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/rota/internal/models"
)

// DefaultModel is used when none is configured.
const DefaultModel = "claude-sonnet-4-5"

// Client wraps the Anthropic API for schedule briefings.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model. Extra
// request options are passed to the SDK.
func NewClient(apiKey, model string, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// Model returns the model briefings are requested from.
func (c *Client) Model() string { return string(c.model) }

// buildPrompt constructs the system and user prompts for a schedule briefing.
func buildPrompt(sum *models.ShiftSummary, start, end time.Time) (system string, user string) {
	system = `You brief hospital staffing coordinators. Given aggregate shift statistics for a date range, write a short plain-text briefing (3-6 sentences).

Rules:
- Lead with coverage: how many shifts are still unassigned and what share of the total that is
- Mention night-shift load if it is more than a quarter of all shifts
- Call out the department with the most shifts and any assignee carrying a clearly heavier load than the rest
- Use only the numbers given; never invent names, dates or counts
- No markdown, no bullet points, no headings`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Range: %s to %s\n", start.Format("2006-01-02"), end.Format("2006-01-02"))
	fmt.Fprintf(&sb, "Total shifts: %d\n", sum.TotalShifts)
	fmt.Fprintf(&sb, "Night shifts: %d\n", sum.NightShifts)
	fmt.Fprintf(&sb, "Assigned: %d\n", sum.AssignedShifts)
	fmt.Fprintf(&sb, "Unassigned: %d\n", sum.UnassignedShifts)
	fmt.Fprintf(&sb, "Distinct assignees: %d\n", sum.TotalAssignees)
	writeItems(&sb, "By required role", sum.RoleDistribution)
	writeItems(&sb, "By department", sum.DepartmentDistribution)
	writeItems(&sb, "Top assignees", sum.AssigneeDistribution)
	user = sb.String()
	return
}

func writeItems(sb *strings.Builder, title string, items []models.SummaryItem) {
	if len(items) == 0 {
		return
	}
	sb.WriteString("\n" + title + ":\n")
	for _, it := range items {
		fmt.Fprintf(sb, "- %s: %d\n", it.Label, it.Value)
	}
}

// SummarizeSchedule asks the model for a briefing on sum, computed over
// [start, end].
func (c *Client) SummarizeSchedule(ctx context.Context, sum *models.ShiftSummary, start, end time.Time) (string, error) {
	if sum == nil {
		return "", fmt.Errorf("no summary to describe")
	}
	systemPrompt, userPrompt := buildPrompt(sum, start, end)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}
