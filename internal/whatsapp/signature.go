package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the raw request body.
	SignatureHeader = "X-Hub-Signature-256"

	signaturePrefix = "sha256="
)

// VerifySignature verifies the X-Hub-Signature-256 header against body.
// It returns false for an empty secret, a missing or malformed header, or a
// digest mismatch.
func VerifySignature(appSecret string, body []byte, signature string) bool {
	if appSecret == "" || signature == "" {
		return false
	}

	// Signature format: "sha256=<hex>"
	if !strings.HasPrefix(signature, signaturePrefix) || len(signature) == len(signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(signature[len(signaturePrefix):])
	if err != nil {
		return false
	}

	return hmac.Equal(computeMAC(appSecret, body), got)
}

// Sign returns the header value Meta would send for body.
func Sign(appSecret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(computeMAC(appSecret, body))
}

func computeMAC(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return mac.Sum(nil)
}
