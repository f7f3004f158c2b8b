package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
)

// RandomHex returns n random bytes as lowercase hex.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Redact masks a secret for log output. Values longer than eight
// characters keep a six character prefix and their length.
func Redact(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "***"
	}
	return secret[:6] + "...(" + strconv.Itoa(len(secret)) + ")"
}
