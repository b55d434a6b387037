package hashing

import (
	"crypto/rand"
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestForNamespace(t *testing.T) {
	cases := []struct {
		namespace string
		algorithm string
	}{
		{"default", "sha1"},
		{"default-gzip", "sha1"},
		{"temporary1234-deflate", "sha1"},
		{"sha256", "sha256"},
		{"sha256-deflate", "sha256"},
		{"sha256x", "sha1"},
	}

	for _, c := range cases {
		h := ForNamespace(c.namespace)
		if h == nil {
			t.Fatalf("ForNamespace(%q): no hasher", c.namespace)
		}
		if h.Algorithm() != c.algorithm {
			t.Errorf("ForNamespace(%q): expected %s, got %s",
				c.namespace, c.algorithm, h.Algorithm())
		}
	}
}

func TestHashAndValidate(t *testing.T) {
	for _, h := range Hashers() {
		digest := h.Hash([]byte("content"))
		if len(digest) != h.Size()*2 {
			t.Errorf("%s: digest %q has wrong length", h.Algorithm(), digest)
		}
		if err := h.Validate(digest); err != nil {
			t.Errorf("%s: Validate(%q): %v", h.Algorithm(), digest, err)
		}
		if err := h.Validate(h.Empty()); err != nil {
			t.Errorf("%s: Validate(Empty()): %v", h.Algorithm(), err)
		}

		if h.Hash(nil) != h.Empty() {
			t.Errorf("%s: Hash(nil) != Empty()", h.Algorithm())
		}

		bad := []string{
			"",
			"abc",
			strings.Repeat("g", h.Size()*2),
			strings.ToUpper(digest),
		}
		for _, b := range bad {
			if err := h.Validate(b); err == nil {
				t.Errorf("%s: Validate(%q): expected error", h.Algorithm(), b)
			}
		}
	}
}

func TestGet(t *testing.T) {
	if _, err := Get("sha1"); err != nil {
		t.Errorf("Get(sha1): %v", err)
	}
	if _, err := Get("md5"); err == nil {
		t.Error("Get(md5): expected error")
	}
}

func BenchmarkHashers(b *testing.B) {
	prettySize := func(size int64) (int64, string) {
		for _, unit := range []string{"B", "KB", "MB", "GB"} {
			if size < 1024 {
				return size, unit
			}
			size /= 1024
		}
		return size, "GB"
	}

	for i := 0; i <= 20; i++ {
		nBytes := int64(math.Pow(2, float64(i)))
		data := make([]byte, nBytes)
		size, unit := prettySize(nBytes)
		_, err := rand.Read(data)
		if err != nil {
			b.Fatal(err)
		}

		for _, hasher := range Hashers() {
			b.Run(fmt.Sprintf("%d%s %s", size, unit, hasher.Algorithm()), func(b *testing.B) {
				hasher.Hash(data)
			})
		}
	}
}
