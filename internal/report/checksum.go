package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileChecksum streams the file at path through SHA-256.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum reports whether the file at path still matches expected.
func VerifyChecksum(path, expected string) (bool, error) {
	actual, err := FileChecksum(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
