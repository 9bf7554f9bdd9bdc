// Package canonicaljson produces the deterministic JSON representation
// every hash in the system is computed over.
//
// The canonical form is RFC 8785 (JSON Canonicalization Scheme) applied
// after a normalization pass: map keys sorted, no whitespace, integral
// floats emitted as integers, non-integral floats rounded to 10 decimal
// places, timestamps rewritten to RFC 3339 with UTC offset.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the canonical JSON representation of v.
//
// v may be any JSON-marshalable Go value; struct tags are respected by
// pre-marshaling through encoding/json before the normalization pass.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: pre-marshal failed: %w", err)
	}
	return CanonicalizeRaw(intermediate)
}

// CanonicalizeRaw canonicalizes a raw JSON document.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode failed: %w", err)
	}

	normalized, err := normalize(generic)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonicaljson: encode failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String returns the canonical form of v as a string.
func String(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalize rewrites a decoded JSON tree so that serialization is
// deterministic across producers: numbers per the numeric rules,
// timestamp strings to UTC.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case string:
		return normalizeString(t), nil
	case json.Number:
		return normalizeNumber(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("canonicaljson: unsupported type %T", v)
	}
}

// normalizeString rewrites RFC 3339 timestamps to the UTC offset form.
// Other strings pass through untouched.
func normalizeString(s string) string {
	if len(s) < 20 || s[4] != '-' || s[10] != 'T' {
		return s
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// normalizeNumber applies the numeric rules: integers stay integers,
// integral floats become integers, non-integral floats are rounded to
// 10 decimal places.
func normalizeNumber(n json.Number) (json.Number, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		return n, nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("canonicaljson: bad number %q: %w", s, err)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	rounded := math.Round(f*1e10) / 1e10
	return json.Number(strconv.FormatFloat(rounded, 'f', -1, 64)), nil
}
