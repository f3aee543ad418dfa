// Package external holds the integration surface with the payment provider:
// webhook signature verification and the provider's event-type vocabulary.
//
// The provider signs each webhook delivery with an HMAC-SHA256 over
// "{timestamp}.{rawBody}" and sends the result in a signature header of the
// form "t=<unix>,v1=<hex>". Additional comma-separated fields are ignored.
package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"expensio/internal/types"
)

// SignatureTolerance bounds the absolute distance between the signature
// timestamp and the current time. Deliveries outside this window are rejected
// even when the signature itself is valid, which also bounds how long a
// captured request stays replayable.
const SignatureTolerance = 300 * time.Second

// WebhookVerifier abstracts webhook signature checking so handler tests can
// substitute a stub.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature
	// header and signing secret. Returns nil on success; on failure it
	// returns a *types.AppError whose Code is one of missing_parts,
	// timestamp_expired, invalid_signature, or crypto_error.
	Verify(payload []byte, header string, secret string) error
}

// HMACVerifier implements WebhookVerifier with a first-party HMAC-SHA256
// check. It is pure and stateless: no I/O, no side effects.
type HMACVerifier struct {
	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewHMACVerifier creates a verifier using the real clock.
func NewHMACVerifier() *HMACVerifier {
	return &HMACVerifier{now: time.Now}
}

// NewHMACVerifierAt creates a verifier with an injected clock. Test use only.
func NewHMACVerifierAt(now func() time.Time) *HMACVerifier {
	return &HMACVerifier{now: now}
}

// Compile-time assertion that HMACVerifier satisfies WebhookVerifier.
var _ WebhookVerifier = (*HMACVerifier)(nil)

// Verify checks the signature header against the raw payload and secret.
//
// Validation order:
//  1. Both the timestamp ("t") and signature ("v1") components must be
//     present and well-formed -> missing_parts.
//  2. The timestamp must be within SignatureTolerance of now, in either
//     direction -> timestamp_expired.
//  3. The secret must be usable as an HMAC key -> crypto_error.
//  4. The supplied signature must equal HMAC-SHA256("{t}.{body}", secret),
//     compared in constant time -> invalid_signature.
func (v *HMACVerifier) Verify(payload []byte, header string, secret string) error {
	parts := parseSignatureHeader(header)
	if parts.timestamp == "" || parts.v1 == "" {
		return types.NewAppError(types.ErrCodeWebhookMissingParts,
			"signature header is missing the timestamp or signature component", nil)
	}

	ts, err := strconv.ParseInt(parts.timestamp, 10, 64)
	if err != nil {
		return types.NewAppError(types.ErrCodeWebhookMissingParts,
			"signature header timestamp is not a unix timestamp", err)
	}

	now := v.now()
	age := now.Sub(time.Unix(ts, 0))
	if age > SignatureTolerance || age < -SignatureTolerance {
		return types.NewAppError(types.ErrCodeWebhookTimestampExpired,
			"signature timestamp is outside the tolerance window", nil)
	}

	if secret == "" {
		return types.NewAppError(types.ErrCodeWebhookCryptoError,
			"signing secret is empty", nil)
	}

	expected := computeHMAC(fmt.Sprintf("%s.%s", parts.timestamp, payload), secret)
	supplied, err := hex.DecodeString(parts.v1)
	if err != nil {
		return types.NewAppError(types.ErrCodeWebhookInvalidSignature,
			"signature is not valid hex", err)
	}

	// hmac.Equal is a length-checked constant-time comparison; a
	// short-circuiting equality here would leak match length via timing.
	if !hmac.Equal(supplied, expected) {
		return types.NewAppError(types.ErrCodeWebhookInvalidSignature,
			"signature does not match payload", nil)
	}

	return nil
}

// signatureParts holds the parsed components of a signature header.
type signatureParts struct {
	timestamp string
	v1        string
}

// parseSignatureHeader breaks a signature header into its component parts.
// Expected format: "t=<unix>,v1=<hex>"; unrecognized fields are ignored.
func parseSignatureHeader(header string) signatureParts {
	var parts signatureParts
	for _, segment := range strings.Split(header, ",") {
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		switch key {
		case "t":
			parts.timestamp = value
		case "v1":
			parts.v1 = value
		}
	}
	return parts
}

// computeHMAC computes the raw HMAC-SHA256 of content using the given key.
func computeHMAC(content, key string) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(content))
	return mac.Sum(nil)
}

// SignPayload generates a valid signature header for a payload. Used by the
// end-to-end tests and by operator tooling to exercise the endpoint.
func SignPayload(payload []byte, secret string, at time.Time) string {
	timestamp := at.Unix()
	sig := computeHMAC(fmt.Sprintf("%d.%s", timestamp, payload), secret)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(sig))
}
