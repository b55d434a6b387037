package testutils

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"os"
	"testing"

	"github.com/buildhive/artifact-cache/cache"

	"github.com/klauspost/compress/zlib"
)

// TempDir creates a temporary directory and returns its name. If an error
// occurs, then it panics.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "artifact-cache")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// RandomDataAndHash creates a random blob of the specified size, and
// returns that blob along with its sha1 hash, the default namespace
// algorithm.
func RandomDataAndHash(size int64) ([]byte, string) {
	data := make([]byte, size)

	for i := 0; i < 3; i++ {
		// This is not expected to fail, but hopefully it convinces
		// linters that we checked for errors.
		_, err := rand.Read(data)
		if err == nil {
			break
		}
	}

	hash := sha1.Sum(data)
	hashStr := hex.EncodeToString(hash[:])
	return data, hashStr
}

// Deflate zlib-compresses data the way clients of compressed namespaces
// do before uploading.
func Deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// RandomCompressedBlob returns a zlib stream of `size` random bytes
// along with the digest of the expanded content.
func RandomCompressedBlob(t *testing.T, size int64) ([]byte, string) {
	t.Helper()
	data, hash := RandomDataAndHash(size)
	return Deflate(t, data), hash
}

// NewSilentLogger returns a cheap logger that doesn't print anything, useful
// for tests.
func NewSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// AssertEquals fails the test if expected and actual values are not equal.
// It works with any comparable type.
func AssertEquals[T comparable](t *testing.T, expected T, actual T) {
	t.Helper()
	if expected != actual {
		t.Fatalf("Expected %v, but got %v.", expected, actual)
	}
}

// AssertSuccess asserts that the provided result represents a successful outcome.
//
// The success criteria are:
// - nil value (e.g., no error)
// - true boolean
//
// The failure criteria are:
// - non-nil error
// - false boolean
func AssertSuccess(t *testing.T, result interface{}) {
	t.Helper()
	switch v := result.(type) {
	case nil:
		return // Success as expected
	case error:
		if v != nil {
			t.Fatalf("Expected success, but got error: %v", v)
		}
	case bool:
		if !v {
			t.Fatalf("Expected success, but got false value")
		}
	default:
		t.Fatalf("Unsupported type: %T", v)
	}
}

// AssertFailureWithCode asserts that the provided error is a *cache.Error with the expected code.
func AssertFailureWithCode(t *testing.T, err error, expectedCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected failure, but got no error.")
	}
	var cerr *cache.Error
	if errors.As(err, &cerr) {
		if cerr.Code != expectedCode {
			t.Fatalf("Error code mismatch: expected %d, got %d", expectedCode, cerr.Code)
		}
	} else {
		t.Fatalf("Expected error of type *Error, got %T", err)
	}
}
