package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/atp/internal/cycle"
)

// ChatClient is the subset of the OpenAI client the enricher uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures NewOpenAIEnricher.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerMinute int
	MaxFixes          int
}

// OpenAIEnricher asks a chat model to explain each failure and propose a
// patch. Patches that do not parse as unified diffs mark the fix failed.
type OpenAIEnricher struct {
	client   ChatClient
	model    string
	limiter  *rate.Limiter
	maxFixes int
	logger   *slog.Logger
}

// NewOpenAIEnricher builds an enricher. Without an API key it reports
// itself unavailable.
func NewOpenAIEnricher(cfg OpenAIConfig, logger *slog.Logger) *OpenAIEnricher {
	var client ChatClient
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		client = openai.NewClientWithConfig(oc)
	}
	return newOpenAIEnricher(client, cfg, logger)
}

func newOpenAIEnricher(client ChatClient, cfg OpenAIConfig, logger *slog.Logger) *OpenAIEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}
	maxFixes := cfg.MaxFixes
	if maxFixes <= 0 {
		maxFixes = 5
	}
	return &OpenAIEnricher{
		client:   client,
		model:    model,
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60), 1),
		maxFixes: maxFixes,
		logger:   logger,
	}
}

func (e *OpenAIEnricher) IsAvailable() bool {
	return e.client != nil
}

const enrichSystemPrompt = `You analyze failing JavaScript/TypeScript tests.
Reply with a JSON object {"reason": string, "patch": string}.
"reason" is one sentence naming the likely cause.
"patch" is a unified diff against the repository root that fixes the cause, or "" if unsure.`

type enrichReply struct {
	Reason string `json:"reason"`
	Patch  string `json:"patch"`
}

// Enrich processes up to MaxFixes fixes; the rest are returned untouched.
// A failed request marks that fix failed and moves on. Only context
// cancellation aborts the batch.
func (e *OpenAIEnricher) Enrich(ctx context.Context, fixes []cycle.SuggestedFix) (*EnrichResult, error) {
	out := slices.Clone(fixes)
	res := &EnrichResult{EnrichedFixes: out, Called: true}

	for i := range out {
		if i >= e.maxFixes {
			break
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("enrich: %w", err)
		}

		reply, err := e.ask(ctx, out[i])
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("enrich: %w", ctx.Err())
			}
			e.logger.Warn("enrichment request failed",
				slog.String("fix_id", out[i].ID),
				slog.String("error", err.Error()))
			out[i].Status = cycle.FixFailed
			res.FailedCount++
			continue
		}

		if reply.Patch != "" {
			if _, err := ValidatePatch(reply.Patch); err != nil {
				e.logger.Warn("discarding model patch",
					slog.String("fix_id", out[i].ID),
					slog.String("error", err.Error()))
				out[i].Status = cycle.FixFailed
				res.FailedCount++
				continue
			}
			out[i].Patch = reply.Patch
		}
		if reply.Reason != "" {
			out[i].Reason = reply.Reason
		}
		out[i].Status = cycle.FixReady
		res.EnrichedCount++
	}
	return res, nil
}

func (e *OpenAIEnricher) ask(ctx context.Context, fix cycle.SuggestedFix) (*enrichReply, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: enrichSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: describeFix(fix)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	var reply enrichReply
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &reply); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}
	return &reply, nil
}

func describeFix(fix cycle.SuggestedFix) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Suite: %s\nTest: %s\nError: %s\n", fix.SuiteID, fix.TestName, fix.ErrorMessage)
	if fix.SourceLocation != nil {
		fmt.Fprintf(&b, "Source location: %s:%d\n", fix.SourceLocation.FilePath, fix.SourceLocation.Line)
	}
	if fix.TestLocation != nil {
		fmt.Fprintf(&b, "Test location: %s:%d\n", fix.TestLocation.FilePath, fix.TestLocation.Line)
	}
	if fix.Stack != "" {
		b.WriteString("Stack:\n")
		b.WriteString(fix.Stack)
	}
	return b.String()
}
