// Package oracle implements the AI Oracle seam of spec §2 and §6: a
// request/response collaborator that turns a prompt plus bounded
// history into generated text. It is grounded on the teacher's
// ai/ai_service.go (an *http.Client wrapping a chat-completions style
// API, with request/response structs) — the same transport shape, a
// different (bot-persona rather than character-persona) system prompt.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miladsoft/zapai-dvm/internal/conversation"
	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
)

// Turn is one line of bounded history handed to the oracle (spec §4.7
// step 8: "the oracle receives the bounded history plus the new
// message").
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// Oracle is the spec §2 AI Oracle capability.
type Oracle interface {
	Generate(ctx context.Context, prompt string, history []Turn) (string, error)
}

// HistoryFromRecords converts Conversation Store records into oracle
// Turns, truncating to at most maxTurns (spec §4.7 step 8: "history is
// truncated to at most the last 40 turns").
func HistoryFromRecords(records []conversation.MessageRecord, maxTurns int) []Turn {
	if maxTurns > 0 && len(records) > maxTurns {
		records = records[len(records)-maxTurns:]
	}
	turns := make([]Turn, 0, len(records))
	for _, r := range records {
		role := "user"
		if r.Direction == conversation.DirectionBot {
			role = "assistant"
		}
		turns = append(turns, Turn{Role: role, Text: r.Text})
	}
	return turns
}

// HTTPOracle calls a chat-completions-shaped HTTP endpoint, the same
// transport shape as the teacher's generateResponseOpenAI.
type HTTPOracle struct {
	apiKey     string
	baseURL    string
	model      string
	botName    string
	httpClient *http.Client
}

// Config configures an HTTPOracle.
type Config struct {
	APIKey  string
	BaseURL string // defaults to the OpenAI-compatible chat completions endpoint
	Model   string
	BotName string
	Timeout time.Duration
}

// New builds an HTTPOracle from cfg.
func New(cfg Config) *HTTPOracle {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 55 * time.Second
	}
	return &HTTPOracle{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		botName:    cfg.BotName,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate invokes the oracle with prompt and history (spec §2, §4.7
// step 8). The circuit breaker wraps this call; Generate itself does
// not implement retries.
func (o *HTTPOracle) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	systemPrompt := fmt.Sprintf(
		"You are %s, a helpful assistant metered by a micropayment ledger. Be concise.",
		o.botName,
	)
	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	for _, t := range history {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: o.model, Messages: messages})
	if err != nil {
		return "", apperrors.Wrap(apperrors.OracleError, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(apperrors.OracleError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(apperrors.OracleTimeout, "oracle call timed out", err)
		}
		return "", apperrors.Wrap(apperrors.OracleError, "oracle request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.OracleError, "read response", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", apperrors.Wrap(apperrors.OracleError, "parse response", err)
	}
	if parsed.Error != nil {
		return "", apperrors.New(apperrors.OracleError, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || len(parsed.Choices) == 0 {
		return "", apperrors.New(apperrors.OracleError, fmt.Sprintf("oracle returned status %d", resp.StatusCode))
	}
	return parsed.Choices[0].Message.Content, nil
}

var _ Oracle = (*HTTPOracle)(nil)
