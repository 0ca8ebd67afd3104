package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"wabridge/internal/domain"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks header against the HMAC-SHA256 of body keyed by
// secret. The "sha256=" prefix is optional. An empty secret never verifies.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	provided := strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	// Compared as lowercase hex text, so "ABCD" does not match "abcd".
	return hmac.Equal([]byte(provided), []byte(computed))
}

// Sign returns the header value for body, used by tests and the replay tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verifier binds the app secret for the receiver.
type Verifier struct {
	secret string
}

func NewVerifier(appSecret string) *Verifier {
	return &Verifier{secret: appSecret}
}

// Verify returns an error wrapping domain.ErrUnauthorized when header does
// not sign body.
func (v *Verifier) Verify(body []byte, header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s", domain.ErrUnauthorized, SignatureHeader)
	}
	if !VerifySignature(v.secret, body, header) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthorized)
	}
	return nil
}
