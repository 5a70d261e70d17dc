// Package webhook authenticates provider notifications. The provider signs the
// canonical form of the JSON body: keys sorted at every level, no whitespace,
// number literals as sent.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// Canonicalize re-encodes a JSON object with keys sorted lexicographically at
// every nesting level, including objects inside arrays. Array order and number
// literals are preserved and no HTML escaping is applied. U+2028 and U+2029
// are always written as \u escapes. Bodies that are not valid UTF-8 are
// rejected, since re-encoding would replace the invalid bytes.
func Canonicalize(body []byte) ([]byte, error) {
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidPayload)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidPayload)
	}

	// encoding/json writes map keys in sorted order, which gives the canonical form.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the lowercase hex HMAC-SHA-512 of canonical under secret.
func Sign(canonical []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}
