package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ebalsamo/voxbridge/internal/reliability"
)

// CompletionClient calls the text-generation backend. It is stateless and
// safe for concurrent use across sessions.
type CompletionClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewCompletionClient(url, apiKey string, timeout time.Duration) *CompletionClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CompletionClient{
		url:    strings.TrimSpace(url),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
}

type completionEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// Complete performs one blocking completion call and returns the response
// text.
func (c *CompletionClient) Complete(ctx context.Context, inputs map[string]any, query, conversationID, user string) (string, error) {
	res, err := c.post(ctx, inputs, query, conversationID, user, "blocking")
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("%w: completion read: %v", ErrServiceFailure, err)
	}

	// The backend usually replies with a JSON object carrying an answer
	// field; fall back to the raw body for plain-text deployments.
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		if answer, ok := obj["answer"].(string); ok && answer != "" {
			return answer, nil
		}
	}
	return string(body), nil
}

// CompleteStream performs a streaming completion call, invoking onDelta for
// each answer fragment and returning the accumulated text. The stream ends
// at a message_end event or EOF.
func (c *CompletionClient) CompleteStream(ctx context.Context, inputs map[string]any, query, conversationID, user string, onDelta func(string) error) (string, error) {
	res, err := c.post(ctx, inputs, query, conversationID, user, "streaming")
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}

		var evt completionEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if evt.Event == "message_end" {
			break
		}
		if evt.Answer == "" {
			continue
		}
		out.WriteString(evt.Answer)
		if onDelta != nil {
			if err := onDelta(evt.Answer); err != nil {
				return "", err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: completion stream read: %v", ErrServiceFailure, err)
	}
	return out.String(), nil
}

func (c *CompletionClient) post(ctx context.Context, inputs map[string]any, query, conversationID, user, mode string) (*http.Response, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload, err := json.Marshal(completionRequest{
		Inputs:         inputs,
		Query:          query,
		ResponseMode:   mode,
		ConversationID: conversationID,
		User:           user,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if reliability.IsTimeout(err) {
			return nil, fmt.Errorf("%w: completion: %v", ErrServiceTimeout, err)
		}
		return nil, fmt.Errorf("%w: completion: %v", ErrServiceFailure, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("%w: completion status %d (retryable=%v): %s",
			ErrServiceFailure, res.StatusCode, reliability.IsRetryableHTTPStatus(res.StatusCode), string(body))
	}
	return res, nil
}
