package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Slack verification errors.
var (
	// ErrSignatureInvalid covers every inbound verification failure,
	// including a missing signing secret. Verification is fail-closed.
	ErrSignatureInvalid = errors.New("request signature invalid")

	// ErrSignatureExpired is returned for requests whose timestamp is
	// outside the replay window.
	ErrSignatureExpired = errors.New("request timestamp outside replay window")
)

// replayWindow is the maximum accepted age of an inbound request.
const replayWindow = 300 * time.Second

// SlackVerifier validates the v0 signing scheme used on inbound
// interactive webhooks. With no secret configured every request is
// rejected; absence of configuration must never open the endpoint.
type SlackVerifier struct {
	secret string
	now    func() time.Time
}

// NewSlackVerifier creates a verifier. An empty secret is allowed here and
// makes every Verify call fail.
func NewSlackVerifier(secret string) *SlackVerifier {
	return &SlackVerifier{secret: secret, now: time.Now}
}

// Verify checks the request timestamp and signature headers against the
// raw request body. The signature comparison is constant time.
func (v *SlackVerifier) Verify(timestamp, signature string, body []byte) error {
	if v.secret == "" {
		return ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age > replayWindow || age < -replayWindow {
		return ErrSignatureExpired
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}
