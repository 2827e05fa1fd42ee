// Package webhook implements inbound webhook ingestion for the Polar
// billing provider: signature verification, payload normalization, event
// classification, and the idempotent processing pipeline.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"polarsync/internal/types"
)

// DefaultMaxTimestampAge is the replay-window tolerance applied when the
// caller does not configure one explicitly.
const DefaultMaxTimestampAge = 300 * time.Second

// whsecPrefix marks a base64-encoded webhook secret, per the
// Standard Webhooks convention Polar follows.
const whsecPrefix = "whsec_"

// Signature header names for the three-header delivery scheme.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

// parsedSignatureHeader is the result of decomposing a signature header
// value into its timestamp and candidate signature tokens.
type parsedSignatureHeader struct {
	signatures []string
	timestamp  string
}

// parseSignatureHeader decomposes a signature header value. Two shapes are
// accepted:
//
//   - a single opaque token (no "=" present): the whole value is one
//     candidate signature;
//   - a comma-separated list of key=value pairs, where "t"/"timestamp"
//     carry the signing timestamp and "v1"/"s"/"sig"/"signature" carry
//     candidate signatures.
//
// Unrecognized keys and empty values are skipped.
func parseSignatureHeader(value string) parsedSignatureHeader {
	var out parsedSignatureHeader

	if !strings.Contains(value, "=") {
		if v := strings.TrimSpace(value); v != "" {
			out.signatures = append(out.signatures, v)
		}
		return out
	}

	for _, part := range strings.Split(value, ",") {
		sep := strings.Index(part, "=")
		if sep == -1 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(part[:sep]))
		val := strings.TrimSpace(part[sep+1:])
		if val == "" {
			continue
		}

		switch key {
		case "t", "timestamp":
			out.timestamp = val
		case "v1", "s", "sig", "signature":
			out.signatures = append(out.signatures, val)
		}
	}

	return out
}

// decodeSecret converts the configured shared secret into HMAC key bytes.
// A "whsec_"-prefixed secret is base64-decoded; anything else is used as
// raw UTF-8 bytes. An undecodable whsec_ payload falls back to raw bytes
// rather than failing, matching the provider SDK's lenient behavior.
func decodeSecret(secret string) []byte {
	if encoded, ok := strings.CutPrefix(secret, whsecPrefix); ok {
		if key, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			return key
		}
	}
	return []byte(secret)
}

// hmacCandidates computes every digest encoding a provider might have sent:
// HMAC-SHA256 over the raw body alone and, when a timestamp is present,
// over "{timestamp}.{body}" -- each in hex and base64. The provider's
// schema versions have shipped both encodings, so all are acceptable.
func hmacCandidates(key []byte, rawBody []byte, timestamp string) []string {
	payloads := [][]byte{rawBody}
	if timestamp != "" {
		signed := make([]byte, 0, len(timestamp)+1+len(rawBody))
		signed = append(signed, timestamp...)
		signed = append(signed, '.')
		signed = append(signed, rawBody...)
		payloads = append(payloads, signed)
	}

	candidates := make([]string, 0, len(payloads)*2)
	for _, p := range payloads {
		mac := hmac.New(sha256.New, key)
		mac.Write(p)
		sum := mac.Sum(nil)
		candidates = append(candidates,
			hex.EncodeToString(sum),
			base64.StdEncoding.EncodeToString(sum),
		)
	}
	return candidates
}

// secureEquals compares two signature strings in constant time.
// Length mismatch returns false without leaking timing information about
// the matching prefix.
func secureEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}

// Verifier validates the authenticity of inbound webhook deliveries
// against the shared signing secret. It is a pure computation: no I/O,
// no shared state.
type Verifier struct {
	// MaxTimestampAge bounds the replay window for signed timestamps.
	// Zero means DefaultMaxTimestampAge.
	MaxTimestampAge time.Duration

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewVerifier creates a Verifier with the given replay tolerance.
// Pass zero to use the default 300-second window.
func NewVerifier(maxTimestampAge time.Duration) *Verifier {
	return &Verifier{MaxTimestampAge: maxTimestampAge, now: time.Now}
}

// Verify checks a signature header value against the raw request body and
// shared secret. Returns nil when any presented signature matches any
// computed candidate digest.
//
// Error codes distinguish the failure modes:
//   - webhook_signature_missing: empty header or no extractable signature
//   - webhook_stale_timestamp: a signed timestamp outside the replay window
//     (checked before the HMAC so a stale-but-valid signature is reported
//     as stale, not as a mismatch)
//   - webhook_invalid_signature: no candidate digest matched
func (v *Verifier) Verify(rawBody []byte, signatureHeader string, secret string) error {
	if secret == "" {
		return types.NewAppError(types.ErrCodeConfigMissing, "webhook secret is not configured", nil)
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return types.NewAppError(types.ErrCodeWebhookSignatureMissing, "missing webhook signature header", nil)
	}

	parsed := parseSignatureHeader(signatureHeader)
	if len(parsed.signatures) == 0 {
		return types.NewAppError(types.ErrCodeWebhookSignatureMissing, "no signature found in header", nil)
	}

	if parsed.timestamp != "" {
		if err := v.checkTimestamp(parsed.timestamp); err != nil {
			return err
		}
	}

	key := decodeSecret(secret)
	candidates := hmacCandidates(key, rawBody, parsed.timestamp)

	for _, sig := range parsed.signatures {
		for _, candidate := range candidates {
			if secureEquals(sig, candidate) {
				return nil
			}
		}
	}

	return types.NewAppError(types.ErrCodeWebhookInvalidSignature, "webhook signature verification failed", nil)
}

// VerifyStandardHeaders checks the Standard-Webhooks three-header scheme
// (webhook-id / webhook-timestamp / webhook-signature) where the signed
// content is "{id}.{timestamp}.{body}" and the signature header carries
// space-separated "v1,<base64>" entries.
func (v *Verifier) VerifyStandardHeaders(rawBody []byte, webhookID, timestamp, signatureHeader, secret string) error {
	if secret == "" {
		return types.NewAppError(types.ErrCodeConfigMissing, "webhook secret is not configured", nil)
	}
	if webhookID == "" || timestamp == "" || signatureHeader == "" {
		return types.NewAppError(types.ErrCodeWebhookSignatureMissing, "missing required webhook signature headers", nil)
	}

	if err := v.checkTimestamp(timestamp); err != nil {
		return err
	}

	signed := make([]byte, 0, len(webhookID)+len(timestamp)+len(rawBody)+2)
	signed = append(signed, webhookID...)
	signed = append(signed, '.')
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, rawBody...)

	mac := hmac.New(sha256.New, decodeSecret(secret))
	mac.Write(signed)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, entry := range strings.Fields(signatureHeader) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" || sig == "" {
			continue
		}
		if secureEquals(expected, sig) {
			return nil
		}
	}

	return types.NewAppError(types.ErrCodeWebhookInvalidSignature, "webhook signature verification failed", nil)
}

// checkTimestamp rejects timestamps outside the replay window. The check
// is symmetric: clock skew in either direction counts against the window.
func (v *Verifier) checkTimestamp(timestamp string) error {
	parsed, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return types.NewAppError(types.ErrCodeWebhookStaleTimestamp, "invalid webhook timestamp", err)
	}

	maxAge := v.MaxTimestampAge
	if maxAge <= 0 {
		maxAge = DefaultMaxTimestampAge
	}

	nowFn := v.now
	if nowFn == nil {
		nowFn = time.Now
	}

	// Compared in whole seconds: converting an attacker-chosen epoch to a
	// time.Duration can overflow int64 and wrap past the window.
	age := nowFn().Unix() - parsed
	if age < 0 {
		age = -age
	}
	if age > int64(maxAge/time.Second) {
		return types.NewAppError(
			types.ErrCodeWebhookStaleTimestamp,
			"webhook timestamp is outside the allowed tolerance",
			nil,
		)
	}
	return nil
}

// Sign computes the canonical signature header value for a body and secret
// using the timestamped construction. Exposed for tests and for generating
// fixtures; production traffic is always signed by the provider.
func Sign(rawBody []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	signed := append([]byte(ts+"."), rawBody...)
	mac := hmac.New(sha256.New, decodeSecret(secret))
	mac.Write(signed)
	return "t=" + ts + ",v1=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
