// Package hmacx provides the keyed-hash and digest primitives used to sign
// platform requests. Both the XML auth channel and the REST HMAC channel sign
// with HMAC-SHA256 over UTF-8 bytes and exchange the result base64-encoded,
// so the helpers here return base64 strings directly.
package hmacx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// AlgorithmHMACSHA256 is the wire name of the keyed-hash algorithm the
// platform expects in signed payloads.
const AlgorithmHMACSHA256 = "HMACSHA256"

// Sign computes an HMAC-SHA256 over data using the base64-encoded shared
// secret and returns the base64-encoded result.
func Sign(sharedSecretB64 string, data []byte) (string, error) {
	key, err := base64.StdEncoding.DecodeString(sharedSecretB64)
	if err != nil {
		return "", fmt.Errorf("hmacx: decode shared secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(SignRaw(key, data)), nil
}

// SignRaw computes an HMAC-SHA256 over data with a raw key.
func SignRaw(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Digest returns the base64-encoded SHA-256 digest of data. It is used for
// the XML info-hash and the REST content-hash header.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Equal reports whether two base64-encoded MACs are equal in constant time.
// Malformed base64 never compares equal.
func Equal(a, b string) bool {
	ab, errA := base64.StdEncoding.DecodeString(a)
	bb, errB := base64.StdEncoding.DecodeString(b)
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(ab, bb)
}
