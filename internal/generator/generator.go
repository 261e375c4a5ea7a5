// Package generator holds the content-generation collaborator and the worker
// that turns a sub-task into a file on disk.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"phaseline/internal/domain"
)

// Request is everything a generator sees for one task.
type Request struct {
	RoleDefinition string
	Instructions   string
	Payload        domain.TaskPayload
	Context        map[string]any
}

// Generator produces the text of one artifact. Implementations may be slow
// and may fail; they have no side effects the caller tracks.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

const defaultMaxTokens = 8192

// Anthropic generates content with the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic returns an error when apiKey is empty so a missing credential
// fails construction, not the process.
func NewAnthropic(apiKey, model string, maxTokens int64, opts ...option.RequestOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is not configured (set ANTHROPIC_API_KEY or anthropic.api_key)")
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}, nil
}

func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.RoleDefinition},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Instructions)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	return b.String(), nil
}

// Instructions renders the user prompt for a sub-task payload.
func Instructions(p domain.TaskPayload) string {
	var b strings.Builder
	b.WriteString(p.Description)
	b.WriteString("\n")
	if goal := p.ContextString(domain.ContextGoal); goal != "" {
		fmt.Fprintf(&b, "\nProject goal: %s\n", goal)
	}
	if p.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", p.Phase)
	}
	if out := p.ContextString(domain.ContextOutputFile); out != "" {
		fmt.Fprintf(&b, "Output file: %s\n", out)
	}
	if len(p.Requirements) > 0 {
		b.WriteString("\nRequirements:\n")
		for _, r := range p.Requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(p.AIVerifiableOutcomes) > 0 {
		b.WriteString("\nThe result must satisfy:\n")
		for _, o := range p.AIVerifiableOutcomes {
			fmt.Fprintf(&b, "- %s\n", o)
		}
	}
	b.WriteString("\nRespond with the complete Markdown content of the file and nothing else.\n")
	return b.String()
}
