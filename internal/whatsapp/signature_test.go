package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	secret := "test_app_secret"
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	validSig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{"valid signature", secret, body, validSig, true},
		{"uppercase hex", secret, body, "sha256=" + strings.ToUpper(validSig[len("sha256="):]), true},
		{"wrong signature", secret, body, "sha256=0000000000000000000000000000000000000000000000000000000000000000", false},
		{"empty signature", secret, body, "", false},
		{"empty secret", "", body, validSig, false},
		{"missing prefix", secret, body, validSig[len("sha256="):], false},
		{"prefix only", secret, body, "sha256=", false},
		{"sha1 prefix", secret, body, "sha1=" + validSig[len("sha256="):], false},
		{"non hex digest", secret, body, "sha256=zz", false},
		{"wrong secret", "other", body, validSig, false},
		{"tampered body", secret, []byte(`tampered`), validSig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerifySignature(tt.secret, tt.body, tt.signature)
			if got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"entry":[{"changes":[]}]}`)
	first := Sign("s3cr3t", body)
	second := Sign("s3cr3t", body)
	if first != second {
		t.Fatalf("Sign not deterministic: %s vs %s", first, second)
	}
	if !VerifySignature("s3cr3t", body, first) {
		t.Fatal("expected own signature to verify")
	}
}

func TestSingleByteMutationFailsVerification(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"1"}]}`)
	sig := Sign("s3cr3t", body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if VerifySignature("s3cr3t", mutated, sig) {
			t.Fatalf("mutation at byte %d still verified", i)
		}
	}
}
