package models

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the outbound service a Request targets.
type Kind string

const (
	KindLLM Kind = "llm"
	KindDoc Kind = "doc"
)

// Valid reports whether k is a known request kind.
func (k Kind) Valid() bool {
	return k == KindLLM || k == KindDoc
}

// Field names used by the request constructors.
const (
	FieldModel        = "model"
	FieldURL          = "url"
	FieldMessagesPref = "messages."
	FieldParamPref    = "param."
	FieldHeaderPref   = "header."
)

// Field is one semantic element of a request payload.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is an immutable description of one outbound call.
// Only Kind and Payload take part in fingerprinting.
type Request struct {
	id       string
	kind     Kind
	payload  []Field
	issuedAt time.Time
	ttl      time.Duration
	ttlSet   bool
}

// RequestOption customizes a Request at construction time.
type RequestOption func(*Request)

// WithParam adds a model parameter such as temperature or max_tokens.
func WithParam(name, value string) RequestOption {
	return func(r *Request) {
		r.payload = append(r.payload, Field{Name: FieldParamPref + name, Value: value})
	}
}

// WithHeader adds an HTTP header sent with a document fetch.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		r.payload = append(r.payload, Field{Name: FieldHeaderPref + http.CanonicalHeaderKey(key), Value: value})
	}
}

// WithSystem prepends a system message to an LLM conversation.
func WithSystem(text string) RequestOption {
	return func(r *Request) {
		msgs := append([]ChatMessage{{Role: "system", Content: text}}, r.Messages()...)
		rest := r.payload[:0:0]
		for _, f := range r.payload {
			if !strings.HasPrefix(f.Name, FieldMessagesPref) {
				rest = append(rest, f)
			}
		}
		r.payload = append(rest, messageFields(msgs)...)
	}
}

// WithTTL overrides the gateway's default cache TTL for this request.
// A zero TTL disables caching for the request.
func WithTTL(ttl time.Duration) RequestOption {
	return func(r *Request) {
		r.ttl = ttl
		r.ttlSet = true
	}
}

// WithIssuedAt sets the issue time; defaults to time.Now().
func WithIssuedAt(t time.Time) RequestOption {
	return func(r *Request) {
		r.issuedAt = t
	}
}

// NewRequest builds a Request from an arbitrary ordered payload.
func NewRequest(kind Kind, fields []Field, opts ...RequestOption) Request {
	r := Request{
		id:       uuid.NewString(),
		kind:     kind,
		payload:  append([]Field(nil), fields...),
		issuedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// NewLLMRequest builds a chat completion request.
func NewLLMRequest(model string, messages []ChatMessage, opts ...RequestOption) Request {
	fields := append([]Field{{Name: FieldModel, Value: model}}, messageFields(messages)...)
	return NewRequest(KindLLM, fields, opts...)
}

// NewPromptRequest builds a chat completion request with a single user message.
func NewPromptRequest(model, prompt string, opts ...RequestOption) Request {
	return NewLLMRequest(model, []ChatMessage{{Role: "user", Content: prompt}}, opts...)
}

// NewDocRequest builds a documentation fetch for url.
func NewDocRequest(url string, opts ...RequestOption) Request {
	return NewRequest(KindDoc, []Field{{Name: FieldURL, Value: url}}, opts...)
}

func messageFields(messages []ChatMessage) []Field {
	fields := make([]Field, 0, 2*len(messages))
	for i, m := range messages {
		prefix := FieldMessagesPref + strconv.Itoa(i) + "."
		fields = append(fields,
			Field{Name: prefix + "role", Value: m.Role},
			Field{Name: prefix + "content", Value: m.Content},
		)
	}
	return fields
}

func (r Request) ID() string          { return r.id }
func (r Request) Kind() Kind          { return r.kind }
func (r Request) IssuedAt() time.Time { return r.issuedAt }

// TTL returns the per-request TTL override and whether one was set.
func (r Request) TTL() (time.Duration, bool) { return r.ttl, r.ttlSet }

// Payload returns a copy of the ordered payload fields.
func (r Request) Payload() []Field {
	return append([]Field(nil), r.payload...)
}

// Value returns the last value recorded for the named field.
func (r Request) Value(name string) (string, bool) {
	for i := len(r.payload) - 1; i >= 0; i-- {
		if r.payload[i].Name == name {
			return r.payload[i].Value, true
		}
	}
	return "", false
}

func (r Request) Model() string {
	v, _ := r.Value(FieldModel)
	return v
}

func (r Request) URL() string {
	v, _ := r.Value(FieldURL)
	return v
}

// Messages reassembles the conversation ordered by message index.
func (r Request) Messages() []ChatMessage {
	byIndex := map[int]*ChatMessage{}
	for _, f := range r.payload {
		rest, ok := strings.CutPrefix(f.Name, FieldMessagesPref)
		if !ok {
			continue
		}
		idxStr, attr, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		m, ok := byIndex[idx]
		if !ok {
			m = &ChatMessage{}
			byIndex[idx] = m
		}
		switch attr {
		case "role":
			m.Role = f.Value
		case "content":
			m.Content = f.Value
		}
	}

	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ChatMessage, 0, len(indexes))
	for _, i := range indexes {
		m := *byIndex[i]
		if m.Role == "" {
			m.Role = "user"
		}
		out = append(out, m)
	}
	return out
}

// Params returns model parameters keyed by name.
func (r Request) Params() map[string]string {
	return r.prefixed(FieldParamPref)
}

// Headers returns the document fetch headers keyed by canonical name.
func (r Request) Headers() map[string]string {
	return r.prefixed(FieldHeaderPref)
}

func (r Request) prefixed(prefix string) map[string]string {
	out := map[string]string{}
	for _, f := range r.payload {
		if name, ok := strings.CutPrefix(f.Name, prefix); ok {
			out[name] = f.Value
		}
	}
	return out
}

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is an OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// AnthropicRequest is an Anthropic /v1/messages request.
type AnthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// AnthropicContent represents a content block in an Anthropic response.
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicUsage holds token counts from an Anthropic response.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicResponse is an Anthropic /v1/messages response.
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []AnthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      *AnthropicUsage    `json:"usage,omitempty"`
}

// ToUsage converts AnthropicUsage to the standard Usage type.
func (u *AnthropicUsage) ToUsage() *Usage {
	return &Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

// Response is the outcome of a resolved request, as stored in the cache.
type Response struct {
	Kind        Kind      `json:"kind"`
	Model       string    `json:"model,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	Text        string    `json:"text,omitempty"`
	Usage       *Usage    `json:"usage,omitempty"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	Cached      bool      `json:"-"`
}

// Clone returns a deep copy of r.
func (r Response) Clone() Response {
	out := r
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if r.Usage != nil {
		u := *r.Usage
		out.Usage = &u
	}
	return out
}

// EncodeResponse serializes r for storage.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse parses a stored response body.
func DecodeResponse(b []byte) (Response, error) {
	var r Response
	err := json.Unmarshal(b, &r)
	return r, err
}
