package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

func hmacSHA256(secret, payload string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// SignHex is the Bybit style signature.
func SignHex(secret, payload string) string {
	return hex.EncodeToString(hmacSHA256(secret, payload))
}

// SignBase64 is the OKX style signature.
func SignBase64(secret, payload string) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256(secret, payload))
}
