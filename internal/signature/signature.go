// Package signature signs and verifies webhook payloads.
//
// Payloads are signed with HMAC-SHA256 over the exact bytes sent on the
// wire — never a re-serialized form, so key ordering in the JSON body can
// never invalidate a signature. Verification is constant time.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HeaderSignature is the HTTP header carrying the hex HMAC-SHA256 digest
// of the raw request body.
const HeaderSignature = "X-Agentlink-Signature"

// Sign computes the hex-encoded HMAC-SHA256 digest of payload under secret.
func Sign(payload, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether sig is a valid signature of payload under secret.
// The comparison is constant time and does not leak where a mismatch occurs.
func Verify(payload []byte, sig string, secret []byte) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hmac.Equal(got, h.Sum(nil))
}
