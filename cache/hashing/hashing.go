// Package hashing selects the digest algorithm for a namespace.
// Algorithms register themselves by name; the namespace name picks one
// through a prefix convention so new algorithms can be introduced
// without touching existing namespaces.
package hashing

import (
	"fmt"
	"hash"
	"strings"
)

// DefaultAlgorithm is used by every namespace without an explicit
// algorithm prefix.
const DefaultAlgorithm = "sha1"

var DefaultHasher Hasher

var registry map[string]Hasher
var hashers []Hasher

func register(hasher Hasher) {
	if hasher.Algorithm() == DefaultAlgorithm {
		DefaultHasher = hasher
	}
	if registry == nil {
		registry = make(map[string]Hasher)
	}
	registry[hasher.Algorithm()] = hasher
	hashers = append(hashers, hasher)
}

// Hashers returns all registered hashers.
func Hashers() []Hasher {
	return hashers
}

// Get returns the hasher registered under the given algorithm name.
func Get(algorithm string) (Hasher, error) {
	if h, ok := registry[algorithm]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("no hash implementation for %q", algorithm)
}

// ForNamespace returns the hasher for a namespace. A "<algorithm>-"
// name prefix selects a non-default algorithm, e.g. "sha256-deflate".
func ForNamespace(namespace string) Hasher {
	for name, h := range registry {
		if name == DefaultAlgorithm {
			continue
		}
		if strings.HasPrefix(namespace, name+"-") || namespace == name {
			return h
		}
	}
	return DefaultHasher
}

// Hasher is one content digest algorithm.
type Hasher interface {
	// Algorithm is the registry name, also used as namespace prefix.
	Algorithm() string
	New() hash.Hash
	Hash([]byte) string
	// Empty is the digest of zero bytes.
	Empty() string
	// Size is the digest length in bytes; hex digests are twice that.
	Size() int
	// Validate checks that a hex digest is well-formed for this
	// algorithm.
	Validate(string) error
}
