package router

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/apierr"
)

// maxSignatureSkew bounds how far a chat-surface timestamp may drift
// from wall clock before the signature is rejected (spec.md §8,
// invariant P6).
const maxSignatureSkew = 5 * time.Minute

// verifyChatSignature checks X-Signature = HMAC-SHA256(secret, "v0:" +
// timestamp + ":" + rawBody), hex-encoded, against rawBody, and that
// timestamp is within maxSignatureSkew of wall clock (spec.md §4.1, §8
// scenario 3). The comparison is constant-time.
func verifyChatSignature(secret, timestamp, signature string, rawBody []byte) error {
	if secret == "" || timestamp == "" || signature == "" {
		return apierr.Unauthorized("missing signature headers")
	}

	tsSeconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apierr.Unauthorized("invalid timestamp header")
	}
	ts := time.Unix(tsSeconds, 0)
	if drift := time.Since(ts); drift > maxSignatureSkew || drift < -maxSignatureSkew {
		return apierr.Unauthorized("timestamp outside allowed window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("v0:%s:%s", timestamp, rawBody)))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return apierr.Unauthorized("signature mismatch")
	}
	return nil
}
