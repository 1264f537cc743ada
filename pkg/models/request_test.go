package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPromptRequest(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := NewPromptRequest("gpt-4o-mini", "hello",
		WithSystem("be a fish"),
		WithParam("temperature", "0.2"),
		WithIssuedAt(issued),
	)

	assert.Equal(t, KindLLM, req.Kind())
	assert.Equal(t, "gpt-4o-mini", req.Model())
	assert.Equal(t, issued, req.IssuedAt())
	assert.NotEmpty(t, req.ID())
	assert.Equal(t, []ChatMessage{
		{Role: "system", Content: "be a fish"},
		{Role: "user", Content: "hello"},
	}, req.Messages())
	assert.Equal(t, map[string]string{"temperature": "0.2"}, req.Params())

	_, ok := req.TTL()
	assert.False(t, ok)
}

func TestRequestIDsAreUnique(t *testing.T) {
	a := NewDocRequest("https://example.com")
	b := NewDocRequest("https://example.com")
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestDocRequestHeaders(t *testing.T) {
	req := NewDocRequest("https://pkg.go.dev/std", WithHeader("accept-language", "en"), WithTTL(0))

	assert.Equal(t, KindDoc, req.Kind())
	assert.Equal(t, "https://pkg.go.dev/std", req.URL())
	assert.Equal(t, map[string]string{"Accept-Language": "en"}, req.Headers())

	ttl, ok := req.TTL()
	assert.True(t, ok)
	assert.Zero(t, ttl)
}

func TestPayloadIsCopied(t *testing.T) {
	req := NewDocRequest("https://example.com")
	p := req.Payload()
	p[0].Value = "https://evil.example"
	assert.Equal(t, "https://example.com", req.URL())
}

func TestMessagesDefaultRole(t *testing.T) {
	req := NewRequest(KindLLM, []Field{
		{Name: FieldModel, Value: "m"},
		{Name: "messages.1.content", Value: "second"},
		{Name: "messages.0.content", Value: "first"},
	})
	msgs := req.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
}

func TestResponseCloneAndCodec(t *testing.T) {
	orig := Response{
		Kind:  KindLLM,
		Text:  "blub",
		Body:  []byte("raw"),
		Usage: &Usage{TotalTokens: 3},
	}
	c := orig.Clone()
	c.Body[0] = 'X'
	c.Usage.TotalTokens = 99
	assert.Equal(t, []byte("raw"), orig.Body)
	assert.Equal(t, 3, orig.Usage.TotalTokens)

	orig.Cached = true
	b, err := EncodeResponse(orig)
	require.NoError(t, err)
	back, err := DecodeResponse(b)
	require.NoError(t, err)
	assert.False(t, back.Cached, "cached flag is not persisted")
	assert.Equal(t, "blub", back.Text)
}

func TestFingerprintHex(t *testing.T) {
	var f Fingerprint
	f[0], f[31] = 0xab, 0x01
	parsed, err := ParseFingerprint(f.String())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
	assert.Len(t, f.Short(), 12)
	assert.False(t, f.IsZero())

	_, err = ParseFingerprint("abcd")
	assert.Error(t, err)
}

func TestCacheEntryExpiry(t *testing.T) {
	stored := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := CacheEntry{StoredAt: stored, TTL: time.Minute}
	assert.False(t, e.Expired(stored.Add(59*time.Second)))
	assert.True(t, e.Expired(stored.Add(time.Minute)))
}
