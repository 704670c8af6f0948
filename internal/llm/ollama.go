package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ollamaBackend struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaBackend(endpoint, model string) Backend {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaBackend{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: http.DefaultClient}
}

func (b *ollamaBackend) Name() string  { return "ollama" }
func (b *ollamaBackend) Model() string { return b.model }

// NewConversation is local: Ollama is stateless, so the history lives in the
// returned handle and is resent on each turn.
func (b *ollamaBackend) NewConversation(ctx context.Context, opts Options) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conv := &ollamaConversation{backend: b, opts: opts}
	if opts.SystemInstruction != "" {
		conv.history = append(conv.history, ollamaMessage{Role: "system", Content: opts.SystemInstruction})
	}
	return conv, nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

type ollamaConversation struct {
	backend *ollamaBackend
	opts    Options
	history []ollamaMessage
}

func (c *ollamaConversation) Send(ctx context.Context, text string) (string, error) {
	messages := append(append([]ollamaMessage(nil), c.history...), ollamaMessage{Role: "user", Content: text})
	payload := ollamaRequest{
		Model:    c.backend.model,
		Messages: messages,
		Stream:   true,
		Options: ollamaOptions{
			Temperature: c.opts.Temperature,
			NumPredict:  c.opts.MaxOutputTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backend.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.backend.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var accumulated strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", err
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama: %s", chunk.Error)
		}
		accumulated.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	reply := strings.TrimSpace(accumulated.String())
	if reply == "" {
		return "", ErrEmptyReply
	}
	c.history = append(messages, ollamaMessage{Role: "assistant", Content: reply})
	return reply, nil
}
