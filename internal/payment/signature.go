package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignPayload computes the X-VERIFY checksum transmitted with a PhonePe request:
// sha256 over the base64 payload concatenated with the API path and the salt
// key, suffixed with the salt index after "###".
func SignPayload(base64Payload, path, saltKey, saltIndex string) string {
	digest := sha256.Sum256([]byte(base64Payload + path + saltKey))
	return hex.EncodeToString(digest[:]) + "###" + saltIndex
}

// SignPath computes the checksum for bodiless requests such as status checks,
// where only the API path and the salt key are signed.
func SignPath(path, saltKey, saltIndex string) string {
	return SignPayload("", path, saltKey, saltIndex)
}

// VerifyChecksum compares a received X-VERIFY header against the expected value
// in constant time.
func VerifyChecksum(received, expected string) bool {
	received = strings.TrimSpace(received)
	if received == "" || expected == "" {
		return false
	}
	return hmac.Equal([]byte(received), []byte(expected))
}
