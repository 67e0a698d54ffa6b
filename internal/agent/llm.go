package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/fundsim/backtest-backend/pkg/types"
)

const defaultModel = "gpt-4o"

// llmSystemPrompt instructs the model to answer in the exact JSON shape
// ParseOutput understands.
const llmSystemPrompt = `You are a portfolio manager making daily trading decisions.

You will receive the tracked tickers, the date window you may reason over, and
the current portfolio (cash, per-ticker shares and cost basis, realized gains).

Respond with strict JSON only, no markdown fences, in exactly this shape:
{
  "decisions": {
    "<TICKER>": {"action": "buy|sell|short|cover|hold", "quantity": <integer >= 0>}
  },
  "analyst_signals": {
    "<analyst>": {"<TICKER>": {"signal": "bullish|bearish|neutral", "confidence": <0-1>}}
  }
}

Rules:
- Sell quantity must not exceed held shares; buy cost must not exceed cash.
- When uncertain, hold with quantity 0.`

// LLMAgent asks a chat-completions model for portfolio decisions. Responses
// that cannot be parsed degrade to hold via ParseOutput.
type LLMAgent struct {
	logger *zap.Logger
	client oa.Client
}

// NewLLMAgent creates an agent backed by the OpenAI-compatible API.
func NewLLMAgent(logger *zap.Logger, apiKey string) *LLMAgent {
	return &LLMAgent{
		logger: logger.Named("llm-agent"),
		client: oa.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Decide performs one blocking model call. The caller bounds it via ctx.
func (a *LLMAgent) Decide(ctx context.Context, req Request) (*types.AgentOutput, error) {
	snapshot, err := json.Marshal(req.Portfolio)
	if err != nil {
		return nil, fmt.Errorf("marshal portfolio snapshot: %w", err)
	}

	model := req.Model.Name
	if model == "" {
		model = defaultModel
	}

	userPrompt := fmt.Sprintf(
		"Tickers: %s\nLookback window: %s to %s\nPortfolio: %s",
		strings.Join(req.Tickers, ", "),
		req.LookbackStart.Format("2006-01-02"),
		req.CurrentDate.Format("2006-01-02"),
		snapshot,
	)

	resp, err := a.client.Chat.Completions.New(ctx, oa.ChatCompletionNewParams{
		Model: oa.ChatModel(model),
		Messages: []oa.ChatCompletionMessageParamUnion{
			oa.SystemMessage(llmSystemPrompt),
			oa.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty model response")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	return ParseOutput(a.logger, []byte(content), req.Tickers), nil
}
