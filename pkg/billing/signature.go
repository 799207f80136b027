package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignHMACSHA256 returns the lowercase hex HMAC-SHA256 of payload keyed by secret.
func SignHMACSHA256(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 reports whether signature is the hex HMAC-SHA256 of payload.
// An empty secret or signature never verifies.
func VerifyHMACSHA256(secret, payload []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(expected, mac.Sum(nil))
}

// PaymentSignaturePayload builds the string a checkout callback signature covers.
func PaymentSignaturePayload(paymentID, subscriptionID string) []byte {
	return []byte(paymentID + "|" + subscriptionID)
}
