package hitl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Request headers carrying the callback signature.
const (
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	HeaderSignature = "X-Slack-Signature"

	signatureVersion = "v0"
)

// DefaultSignatureTolerance is the replay window for signed callbacks.
const DefaultSignatureTolerance = 5 * time.Minute

var (
	// ErrMissingSignature means the timestamp or signature header was absent.
	ErrMissingSignature = errors.New("missing request signature")
	// ErrMalformedSignature means a header could not be parsed.
	ErrMalformedSignature = errors.New("malformed request signature")
	// ErrStaleSignature means the timestamp is outside the replay window.
	ErrStaleSignature = errors.New("request timestamp outside tolerance")
	// ErrInvalidSignature means the HMAC did not match.
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Sign returns the v0 signature for body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a v0=<hex> HMAC-SHA256 over "v0:<timestamp>:<body>"
// and rejects timestamps more than tolerance away from now.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}
	hexSig, ok := strings.CutPrefix(signature, signatureVersion+"=")
	if !ok {
		return ErrMalformedSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrMalformedSignature
	}

	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	age := now.Sub(time.Unix(secs, 0))
	if age > tolerance || age < -tolerance {
		return ErrStaleSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
