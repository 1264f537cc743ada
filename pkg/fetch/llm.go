package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/router"
)

const anthropicVersion = "2023-06-01"

// FetchLLM sends a chat completion to the providers the router picks for the
// request's model, moving to the next target only on a service error.
// Failures match ErrRateLimited, ErrServiceError, ErrTimeout or ErrRejected.
func (c *Client) FetchLLM(ctx context.Context, req models.Request) (models.Response, error) {
	if req.Kind() != models.KindLLM {
		return models.Response{}, &Error{Kind: ErrRejected, Target: req.Model(), Err: errors.New("not an llm request")}
	}
	if c.router == nil {
		return models.Response{}, &Error{Kind: ErrRejected, Target: req.Model(), Err: router.ErrNoProviders}
	}
	routes, err := c.router.Resolve(req.Model())
	if err != nil {
		return models.Response{}, &Error{Kind: ErrRejected, Target: req.Model(), Err: err}
	}

	var lastErr error
	for i, route := range routes {
		resp, err := c.fetchRoute(ctx, route, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrServiceError) || i == len(routes)-1 {
			break
		}
		c.logger.Warn("provider failed, trying next route",
			zap.String("provider", route.Provider.Name),
			zap.String("model", route.Model),
			zap.Error(err),
		)
	}
	return models.Response{}, lastErr
}

func (c *Client) fetchRoute(ctx context.Context, route router.Route, req models.Request) (models.Response, error) {
	var (
		path    string
		headers map[string]string
		body    []byte
		err     error
	)
	switch route.Type() {
	case router.TypeAnthropic:
		path = "/v1/messages"
		headers = map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         route.Provider.APIKey,
			"anthropic-version": anthropicVersion,
		}
		body, err = json.Marshal(c.anthropicBody(route.Model, req))
	default:
		path = "/v1/chat/completions"
		headers = map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + route.Provider.APIKey,
		}
		body, err = json.Marshal(c.openAIBody(route.Model, req))
	}
	if err != nil {
		return models.Response{}, &Error{Kind: ErrRejected, Target: route.Provider.Name, Err: err}
	}

	target := strings.TrimRight(route.Provider.URL, "/") + path
	res, err := c.retry(ctx, route.Provider.Name, func(actx context.Context) (*upstreamResult, error) {
		return c.doRequest(actx, http.MethodPost, target, headers, body)
	})
	if err != nil {
		return models.Response{}, err
	}

	out := models.Response{
		Kind:        models.KindLLM,
		Model:       route.Model,
		Provider:    route.Provider.Name,
		StatusCode:  res.statusCode,
		ContentType: res.header.Get("Content-Type"),
		FetchedAt:   c.now().UTC(),
	}
	if route.Type() == router.TypeAnthropic {
		err = parseAnthropic(res.body, &out)
	} else {
		err = parseOpenAI(res.body, &out)
	}
	if err != nil {
		return models.Response{}, &Error{Kind: ErrServiceError, StatusCode: res.statusCode, Attempts: 1, Target: route.Provider.Name, Err: err}
	}
	return out, nil
}

func (c *Client) maxTokens(req models.Request) int {
	if v, ok := req.Params()["max_tokens"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return c.cfg.MaxTokens
}

func temperature(req models.Request) *float64 {
	v, ok := req.Params()["temperature"]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func (c *Client) openAIBody(model string, req models.Request) models.ChatCompletionRequest {
	maxTokens := c.maxTokens(req)
	return models.ChatCompletionRequest{
		Model:       model,
		Messages:    req.Messages(),
		Temperature: temperature(req),
		MaxTokens:   &maxTokens,
	}
}

// anthropicBody moves system messages into the top-level system field.
func (c *Client) anthropicBody(model string, req models.Request) models.AnthropicRequest {
	var (
		system []string
		msgs   []models.ChatMessage
	)
	for _, m := range req.Messages() {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	return models.AnthropicRequest{
		Model:       model,
		Messages:    msgs,
		System:      strings.Join(system, "\n\n"),
		MaxTokens:   c.maxTokens(req),
		Temperature: temperature(req),
	}
}

func parseOpenAI(body []byte, out *models.Response) error {
	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("completion has no choices")
	}
	out.Text = resp.Choices[0].Message.Content
	out.Usage = resp.Usage
	if resp.Model != "" {
		out.Model = resp.Model
	}
	return nil
}

func parseAnthropic(body []byte, out *models.Response) error {
	var resp models.AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	out.Text = sb.String()
	if resp.Usage != nil {
		out.Usage = resp.Usage.ToUsage()
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}
	return nil
}
