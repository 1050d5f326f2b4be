// Package hash provides content hashing for deployment artifacts.
package hash

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

// SRIPrefix is the algorithm prefix of SRI hashes produced by this package.
const SRIPrefix = "sha256-"

// File calculates the SHA-256 of a file in SRI format.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	return Reader(f)
}

// Reader calculates the SHA-256 of everything read from r in SRI format.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}
	return SRIPrefix + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Bytes calculates the SHA-256 of b in SRI format.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return SRIPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// IsValidSRIHash checks if a string is a valid SHA-256 SRI hash.
func IsValidSRIHash(hash string) bool {
	if !strings.HasPrefix(hash, SRIPrefix) {
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hash, SRIPrefix))
	return err == nil && len(raw) == sha256.Size
}

// ToCodeSHA256 converts an SRI hash to the base64 digest form AWS Lambda
// reports as CodeSha256.
func ToCodeSHA256(sri string) string {
	return strings.TrimPrefix(sri, SRIPrefix)
}

// FromCodeSHA256 converts a Lambda CodeSha256 value to an SRI hash.
func FromCodeSHA256(codeSHA string) string {
	if codeSHA == "" {
		return ""
	}
	return SRIPrefix + codeSHA
}
