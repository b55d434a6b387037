package cache

import (
	"fmt"
	"strings"
)

// Namespace name conventions, carried in the name itself so clients and
// server agree without negotiation:
//
//   - a trailing "-deflate" or "-gzip" marks the namespace's content as
//     zlib-compressed streams; digests are computed over the expanded
//     content while the stored bytes stay compressed,
//   - a leading "temporary" marks a testing namespace whose entries are
//     evicted after one day instead of the configured retention.

const testingPrefix = "temporary"

var compressedSuffixes = []string{"-deflate", "-gzip"}

// IsCompressedNamespace reports whether blobs in the namespace are
// stored as zlib streams.
func IsCompressedNamespace(namespace string) bool {
	for _, suffix := range compressedSuffixes {
		if strings.HasSuffix(namespace, suffix) {
			return true
		}
	}
	return false
}

// IsTestingNamespace reports whether the namespace holds short-lived
// testing data.
func IsTestingNamespace(namespace string) bool {
	return strings.HasPrefix(namespace, testingPrefix)
}

// ValidNamespaceName reports whether the name is non-empty and contains
// only letters, digits and dashes. Length is checked separately at
// store time (CheckNamespaceLength) so that pre-existing long
// namespaces remain readable.
func ValidNamespaceName(namespace string) bool {
	if namespace == "" {
		return false
	}
	for i := 0; i < len(namespace); i++ {
		c := namespace[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// CheckNamespaceLength rejects namespaces longer than
// MaxNamespaceLength with a 400. Applied on write paths only.
func CheckNamespaceLength(namespace string) error {
	if len(namespace) > MaxNamespaceLength {
		return &Error{
			Code: 400,
			Text: fmt.Sprintf(
				"Unable to handle namespaces with more than %d characters",
				MaxNamespaceLength),
		}
	}
	return nil
}
