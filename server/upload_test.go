package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/cache/fsbulk"
	testutils "github.com/buildhive/artifact-cache/utils"
)

func newTestGateway(t *testing.T, ttl time.Duration) *UploadGateway {
	t.Helper()
	logger := testutils.NewSilentLogger()
	bulk, err := fsbulk.New(testutils.TempDir(t), logger, logger)
	if err != nil {
		t.Fatal(err)
	}
	return NewUploadGateway(bulk, "http://cache.example.com", http.DefaultClient,
		ttl, logger, logger)
}

func TestGenerateURLShape(t *testing.T) {
	g := newTestGateway(t, 0)

	key := cache.EntryKey{Namespace: "default", Digest: "abcd1234"}
	url := g.Generate(key, "builder", "", "")
	if !strings.HasPrefix(url, "http://cache.example.com/upload/") {
		t.Fatalf("unexpected upload URL %q", url)
	}
	testutils.AssertEquals(t, 1, g.PendingUploads())

	// A fresh URL every time, even for the same key.
	if g.Generate(key, "builder", "", "") == url {
		t.Fatal("upload URLs must be unique per request")
	}
}

func TestTakeTokenIsSingleUse(t *testing.T) {
	g := newTestGateway(t, 0)

	key := cache.EntryKey{Namespace: "default", Digest: "abcd1234"}
	g.Generate(key, "builder", "tok123", "")

	if !g.TakeToken("tok123") {
		t.Fatal("a freshly issued token must be valid")
	}
	if g.TakeToken("tok123") {
		t.Fatal("a token must not be redeemable twice")
	}
	if g.TakeToken("") {
		t.Fatal("the empty token must never be valid")
	}
	if g.TakeToken("never-issued") {
		t.Fatal("unknown tokens must be rejected")
	}
}

func TestUploadExpiry(t *testing.T) {
	g := newTestGateway(t, time.Nanosecond)

	key := cache.EntryKey{Namespace: "default", Digest: "abcd1234"}
	url := g.Generate(key, "builder", "tok123", "")
	id := url[strings.LastIndexByte(url, '/')+1:]
	time.Sleep(time.Millisecond)

	if _, ok := g.take(id); ok {
		t.Fatal("expired upload ids must not be claimable")
	}
	if g.TakeToken("tok123") {
		t.Fatal("expired tokens must be rejected")
	}
}

func TestGatewayReset(t *testing.T) {
	g := newTestGateway(t, 0)

	key := cache.EntryKey{Namespace: "default", Digest: "abcd1234"}
	g.Generate(key, "builder", "tok123", "")
	g.Reset()

	testutils.AssertEquals(t, 0, g.PendingUploads())
	if g.TakeToken("tok123") {
		t.Fatal("tokens must not survive a reset")
	}
}
