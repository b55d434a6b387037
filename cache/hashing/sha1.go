package hashing

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"regexp"
)

func init() {
	register(&sha1Hasher{})
}

var sha1Regex = regexp.MustCompile("^[a-f0-9]{40}$")

type sha1Hasher struct{}

func (d *sha1Hasher) New() hash.Hash {
	return sha1.New()
}

func (d *sha1Hasher) Hash(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (d *sha1Hasher) Algorithm() string {
	return "sha1"
}

func (d *sha1Hasher) Empty() string {
	return "da39a3ee5e6b4b0d3255bfef95601890afd80709"
}

func (d *sha1Hasher) Size() int {
	return sha1.Size
}

func (d *sha1Hasher) Validate(value string) error {
	if d.Size()*2 != len(value) {
		return fmt.Errorf("Invalid sha1 hash length %d: expected %d", len(value), d.Size()*2)
	}
	if !sha1Regex.MatchString(value) {
		return errors.New("Malformed sha1 hash " + value)
	}
	return nil
}
