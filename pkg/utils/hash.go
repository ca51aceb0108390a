package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
)

// CalculateFileSHA256 computes the SHA-256 hash of a file's content.
func CalculateFileSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ShortHash returns the first n characters of the unpadded base64url SHA-256 of s.
// The alphabet contains no path separators, so the result is safe inside a file name.
func ShortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	enc := base64.RawURLEncoding.EncodeToString(sum[:])
	if n <= 0 || n > len(enc) {
		return enc
	}
	return enc[:n]
}
