package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrNotConfigured      = errors.New("payment provider not configured")
	ErrMalformedSignature = errors.New("malformed webhook signature")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
)

// Signature is the parsed x-signature header, "ts=<unix>,v1=<hex>".
type Signature struct {
	TS string
	V1 string
}

func ParseSignature(header string) (Signature, error) {
	var sig Signature
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			sig.TS = strings.TrimSpace(v)
		case "v1":
			sig.V1 = strings.ToLower(strings.TrimSpace(v))
		}
	}
	if sig.TS == "" || sig.V1 == "" {
		return Signature{}, ErrMalformedSignature
	}
	return sig, nil
}

// Manifest builds the signed template. Absent parts are left out.
func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + normalizeID(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

// Verifier checks webhook signatures against the shared secret.
type Verifier struct {
	Secret string
}

func (v Verifier) Verify(header, dataID, requestID string) error {
	if strings.TrimSpace(v.Secret) == "" {
		return ErrNotConfigured
	}
	sig, err := ParseSignature(header)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(sig.V1)
	if err != nil {
		return ErrMalformedSignature
	}
	if !hmac.Equal(got, Sign(v.Secret, Manifest(dataID, requestID, sig.TS))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of the manifest.
func Sign(secret, manifest string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}

// normalizeID lower-cases alphanumeric ids; purely numeric ids are unchanged.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return strings.ToLower(id)
		}
	}
	return id
}
