package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var errVerification = errors.New("webhook verification failed")

// verifyHMACSignature checks an HMAC-SHA256 signature over body.
//
// Accepted forms are "sha256=<hex>" and bare hex. Every failure returns the
// same error.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" {
		return errVerification
	}

	if signature == "" {
		return errVerification
	}

	actualMAC, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(sign(body, secret), actualMAC) != 1 {
		return errVerification
	}

	return nil
}

func parseSignature(signature string) ([]byte, error) {
	signature = strings.TrimSpace(signature)
	if rest, ok := strings.CutPrefix(signature, "sha256="); ok {
		signature = rest
	}
	return hex.DecodeString(signature)
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the "sha256=<hex>" signature a build tool sends for body.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}
