// Package signing implements HMAC-SHA256 request authentication for the
// mutating control-plane endpoints.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// Header carries the request signature: "sha256=<64 hex>".
const Header = "X-Signature"

const prefix = "sha256="

// Verification errors. The HTTP layer maps these onto status codes:
// ErrNoSecret -> 503, ErrMissingHeader/ErrMalformedHeader -> 401,
// ErrMismatch -> 403.
var (
	ErrNoSecret        = errors.New("signing secret not configured")
	ErrMissingHeader   = errors.New("signature header missing")
	ErrMalformedHeader = errors.New("signature header malformed")
	ErrMismatch        = errors.New("signature mismatch")
)

func digest(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign computes the header value for a payload.
func Sign(secret string, payload []byte) string {
	return prefix + hex.EncodeToString(digest(secret, payload))
}

// CanonicalJSON re-serializes raw JSON with object keys sorted. Numbers pass
// through as their original text (json.Number), so canonicalization never
// perturbs values. Returns nil when raw is not valid JSON.
func CanonicalJSON(raw []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return out
}

// Candidates returns the canonical payload forms a signature may have been
// computed over: the raw bytes as captured, and the sorted-key
// re-serialization when it differs. Clients that re-serialize before signing
// stay verifiable either way.
func Candidates(raw []byte) [][]byte {
	out := [][]byte{raw}
	if c := CanonicalJSON(raw); c != nil && !bytes.Equal(c, raw) {
		out = append(out, c)
	}
	return out
}

// Verify checks header against all canonical forms of raw. The comparison is
// constant-time on equal-length digests (hmac.Equal).
func Verify(secret, header string, raw []byte) error {
	if secret == "" {
		return ErrNoSecret
	}
	if header == "" {
		return ErrMissingHeader
	}
	hexSig, ok := strings.CutPrefix(header, prefix)
	if !ok || len(hexSig) != sha256.Size*2 {
		return ErrMalformedHeader
	}
	want, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrMalformedHeader
	}
	for _, candidate := range Candidates(raw) {
		if hmac.Equal(want, digest(secret, candidate)) {
			return nil
		}
	}
	return ErrMismatch
}
