package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// ChecksumMismatchError is returned when an artifact does not hash to the
// expected value.
type ChecksumMismatchError struct {
	Source   string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Source, e.Expected, e.Actual)
}

// ComputeSHA256 hashes the file at path and returns lowercase hex.
func ComputeSHA256(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer f.Close()

	return ComputeSHA256FromReader(f)
}

// ComputeSHA256FromReader hashes everything read from r.
func ComputeSHA256FromReader(r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("reader cannot be nil")
	}
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to read data: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeSHA256FromBytes hashes an in-memory artifact.
func ComputeSHA256FromBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyBytes checks data against expected (case-insensitive hex). An empty
// expected value skips verification. source names the artifact in errors.
func VerifyBytes(source string, data []byte, expected string) error {
	if expected == "" {
		return nil
	}
	if len(expected) != 64 {
		return fmt.Errorf("invalid SHA256 hash length: expected 64 characters, got %d", len(expected))
	}
	actual := ComputeSHA256FromBytes(data)
	if actual != strings.ToLower(expected) {
		return &ChecksumMismatchError{Source: source, Expected: strings.ToLower(expected), Actual: actual}
	}
	return nil
}
