// Package fingerprint derives stable cache keys from request payloads.
//
// Two requests whose payloads differ only in field order or in whitespace
// produce the same Fingerprint. The canonical form is the RFC 8949 core
// deterministic CBOR encoding of the normalized payload, hashed with SHA-256.
package fingerprint

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

// ErrMalformedRequest is returned when a request lacks required payload fields.
var ErrMalformedRequest = errors.New("malformed request")

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// canonical is the hashed shape. Field order inside the slice is by name.
type canonical struct {
	Kind   string     `cbor:"1,keyasint"`
	Fields [][]string `cbor:"2,keyasint"`
}

// Of returns the fingerprint of req.
func Of(req models.Request) (models.Fingerprint, error) {
	fields, err := Normalize(req)
	if err != nil {
		return models.Fingerprint{}, err
	}

	c := canonical{Kind: string(req.Kind()), Fields: make([][]string, len(fields))}
	for i, f := range fields {
		c.Fields[i] = []string{f.Name, f.Value}
	}

	b, err := encMode.Marshal(c)
	if err != nil {
		return models.Fingerprint{}, fmt.Errorf("fingerprint: encode: %w", err)
	}
	return sha256.Sum256(b), nil
}

// Normalize validates req and returns its payload in canonical form:
// names trimmed and lower-cased (header names canonicalized), values with
// whitespace collapsed, sorted by name.
func Normalize(req models.Request) ([]models.Field, error) {
	if !req.Kind().Valid() {
		return nil, malformed("unknown kind %q", req.Kind())
	}

	payload := req.Payload()
	out := make([]models.Field, 0, len(payload))
	seen := make(map[string]struct{}, len(payload))
	for _, f := range payload {
		name := normalizeName(f.Name)
		if name == "" {
			return nil, malformed("empty field name")
		}
		if _, dup := seen[name]; dup {
			return nil, malformed("duplicate field %q", name)
		}
		seen[name] = struct{}{}
		out = append(out, models.Field{Name: name, Value: collapse(f.Value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	if err := validate(req.Kind(), out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if h, ok := cutFold(name, models.FieldHeaderPref); ok {
		return models.FieldHeaderPref + http.CanonicalHeaderKey(strings.TrimSpace(h))
	}
	return strings.ToLower(name)
}

func cutFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

func collapse(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func validate(kind models.Kind, fields []models.Field) error {
	get := func(name string) string {
		i := sort.Search(len(fields), func(i int) bool { return fields[i].Name >= name })
		if i < len(fields) && fields[i].Name == name {
			return fields[i].Value
		}
		return ""
	}

	switch kind {
	case models.KindLLM:
		if get(models.FieldModel) == "" {
			return malformed("llm request without model")
		}
		for _, f := range fields {
			if strings.HasPrefix(f.Name, models.FieldMessagesPref) && strings.HasSuffix(f.Name, ".content") && f.Value != "" {
				return nil
			}
		}
		return malformed("llm request without message content")
	case models.KindDoc:
		raw := get(models.FieldURL)
		if raw == "" {
			return malformed("doc request without url")
		}
		u, err := url.Parse(raw)
		if err != nil {
			return malformed("doc url: %v", err)
		}
		if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return malformed("doc url %q is not an absolute http(s) url", raw)
		}
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}
