package crypto

import (
	"encoding/base64"
	"strings"
)

// B64Encode URL-safe base64 encodes data with padding stripped, matching
// the wire format's base64 convention: padding stripped on emit.
func B64Encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64Decode URL-safe base64 decodes s, tolerating both padded and
// unpadded input: padding tolerated on parse.
func B64Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
