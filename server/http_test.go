package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/cache/badgermeta"
	"github.com/buildhive/artifact-cache/cache/fsbulk"
	"github.com/buildhive/artifact-cache/cache/hashing"
	"github.com/buildhive/artifact-cache/cache/memcache"
	"github.com/buildhive/artifact-cache/cas"
	"github.com/buildhive/artifact-cache/taskq"
	testutils "github.com/buildhive/artifact-cache/utils"
)

// testScheduler records tasks; tests replay them against the server
// with dispatchTask for deterministic worker runs.
type testScheduler struct {
	mu    sync.Mutex
	tasks []cache.Task
}

func (s *testScheduler) Enqueue(ctx context.Context, t cache.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *testScheduler) take() []cache.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks
	s.tasks = nil
	return tasks
}

type serverEnv struct {
	ts    *httptest.Server
	meta  cache.MetadataStore
	sched *testScheduler
}

func newServerEnv(t *testing.T) *serverEnv {
	return newServerEnvAuth(t, AllowAll())
}

func newServerEnvAuth(t *testing.T, authn Authenticator) *serverEnv {
	t.Helper()
	logger := testutils.NewSilentLogger()

	meta, err := badgermeta.NewInMemory(logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })

	bulk, err := fsbulk.New(testutils.TempDir(t), logger, logger)
	if err != nil {
		t.Fatal(err)
	}

	// The gateway and the router reference each other through the
	// server's own URL, so the handler is bound after startup.
	var router http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	sched := &testScheduler{}
	gateway := NewUploadGateway(bulk, ts.URL, ts.Client(), 0, logger, logger)
	engine := cas.New(meta, bulk, memcache.New(1<<20), sched, 7, 0, logger, logger)
	router = NewRouter(engine, gateway, authn, logger, logger)

	return &serverEnv{ts: ts, meta: meta, sched: sched}
}

func (e *serverEnv) do(t *testing.T, req *http.Request) (int, string) {
	t.Helper()
	rsp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return rsp.StatusCode, string(body)
}

func (e *serverEnv) post(t *testing.T, path string, body []byte) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return e.do(t, req)
}

func (e *serverEnv) get(t *testing.T, path string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e.do(t, req)
}

// dispatchTask replays a recorded task the way the scheduler would.
func (e *serverEnv) dispatchTask(t *testing.T, task cache.Task) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+task.Path,
		bytes.NewReader(task.Payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(taskq.QueueHeader, task.Queue)
	return e.do(t, req)
}

func TestInlineStoreAndRetrieve(t *testing.T) {
	env := newServerEnv(t)

	body := []byte("hello")
	digest := hashing.DefaultHasher.Hash(body)

	code, text := env.post(t, "/content/store/default/"+digest, body)
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "Content saved.", text)

	code, text = env.post(t, "/content/store/default/"+digest, body)
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "Entry already existed", text)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/content/retrieve/default/"+digest, nil)
	if err != nil {
		t.Fatal(err)
	}
	rsp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer rsp.Body.Close()
	testutils.AssertEquals(t, http.StatusOK, rsp.StatusCode)
	testutils.AssertEquals(t, "application/octet-stream", rsp.Header.Get("Content-Type"))
	testutils.AssertEquals(t, "public, max-age=43200", rsp.Header.Get("Cache-Control"))
	got, err := io.ReadAll(rsp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, got) {
		t.Fatal("retrieved bytes differ from the stored ones")
	}
}

func TestStoreDigestMismatch(t *testing.T) {
	env := newServerEnv(t)

	body, digest := testutils.RandomDataAndHash(64)
	body[0] ^= 1
	code, _ := env.post(t, "/content/store/default/"+digest, body)
	testutils.AssertEquals(t, http.StatusBadRequest, code)
}

func TestStoreNamespaceTooLong(t *testing.T) {
	env := newServerEnv(t)

	body, digest := testutils.RandomDataAndHash(64)
	namespace := strings.Repeat("n", cache.MaxNamespaceLength+1)
	code, _ := env.post(t, "/content/store/"+namespace+"/"+digest, body)
	testutils.AssertEquals(t, http.StatusBadRequest, code)
}

func TestRetrieveNotFound(t *testing.T) {
	env := newServerEnv(t)

	_, digest := testutils.RandomDataAndHash(64)
	code, text := env.get(t, "/content/retrieve/default/"+digest)
	testutils.AssertEquals(t, http.StatusNotFound, code)
	testutils.AssertEquals(t,
		fmt.Sprintf("Unable to find an entry with key '%s'.\n", digest), text)
}

func TestContainsEndpoint(t *testing.T) {
	env := newServerEnv(t)

	first, firstDigest := testutils.RandomDataAndHash(32)
	third, thirdDigest := testutils.RandomDataAndHash(32)
	_, missingDigest := testutils.RandomDataAndHash(32)

	env.post(t, "/content/store/default/"+firstDigest, first)
	env.post(t, "/content/store/default/"+thirdDigest, third)
	env.sched.take()

	var payload []byte
	for _, d := range []string{firstDigest, missingDigest, thirdDigest} {
		raw, err := hex.DecodeString(d)
		if err != nil {
			t.Fatal(err)
		}
		payload = append(payload, raw...)
	}

	code, body := env.post(t, "/content/contains/default", payload)
	testutils.AssertEquals(t, http.StatusOK, code)
	if !bytes.Equal([]byte{1, 0, 1}, []byte(body)) {
		t.Fatalf("expected \\x01\\x00\\x01, got %q", body)
	}

	// The tag task the hits produced runs against the worker endpoint.
	tasks := env.sched.take()
	testutils.AssertEquals(t, 1, len(tasks))
	testutils.AssertEquals(t, cache.TagQueue, tasks[0].Queue)
	code, text := env.dispatchTask(t, tasks[0])
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "Done.", text)
}

func TestContainsMalformedPayload(t *testing.T) {
	env := newServerEnv(t)

	code, _ := env.post(t, "/content/contains/default", []byte("odd"))
	testutils.AssertEquals(t, http.StatusBadRequest, code)
}

func TestRestrictedEndpointsRequireMarker(t *testing.T) {
	env := newServerEnv(t)

	_, digest := testutils.RandomDataAndHash(16)
	paths := []string{
		"/restricted/taskqueue/cleanup/old",
		"/restricted/taskqueue/verify/default/" + digest,
		"/restricted/taskqueue/tag/default/2026-01-01",
		"/restricted/content/store_blobstore/default/" + digest + "/anonymous",
	}
	for _, path := range paths {
		code, text := env.post(t, path, nil)
		testutils.AssertEquals(t, http.StatusMethodNotAllowed, code)
		testutils.AssertEquals(t, "Only internal task queue tasks can do this", text)
	}
}

// uploadBody builds the multipart body a client posts to an upload
// URL, one part per blob.
func uploadBody(t *testing.T, blobs ...[]byte) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, blob := range blobs {
		fw, err := mw.CreateFormFile(uploadFileField, fmt.Sprintf("blob%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(blob); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return mw.FormDataContentType(), buf.Bytes()
}

func (e *serverEnv) postUpload(t *testing.T, url string, blobs ...[]byte) (int, string) {
	t.Helper()
	contentType, body := uploadBody(t, blobs...)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	return e.do(t, req)
}

func TestBulkUploadFlow(t *testing.T) {
	env := newServerEnv(t)

	blob, digest := testutils.RandomDataAndHash(2048)

	code, uploadURL := env.post(t,
		"/content/generate_blobstore_url/default/"+digest+"?token=tok123", nil)
	testutils.AssertEquals(t, http.StatusOK, code)
	if !strings.HasPrefix(uploadURL, env.ts.URL+"/upload/") {
		t.Fatalf("unexpected upload URL %q", uploadURL)
	}

	code, text := env.postUpload(t, uploadURL, blob)
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "Content saved.", text)

	// Not retrievable until the verify task has run.
	code, _ = env.get(t, "/content/retrieve/default/"+digest)
	testutils.AssertEquals(t, http.StatusNotFound, code)

	tasks := env.sched.take()
	testutils.AssertEquals(t, 1, len(tasks))
	testutils.AssertEquals(t, cache.VerifyQueue, tasks[0].Queue)
	code, text = env.dispatchTask(t, tasks[0])
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "Done.", text)

	code, body := env.get(t, "/content/retrieve/default/"+digest)
	testutils.AssertEquals(t, http.StatusOK, code)
	if !bytes.Equal(blob, []byte(body)) {
		t.Fatal("retrieved bytes differ from the uploaded ones")
	}
}

func TestUploadURLIsSingleUse(t *testing.T) {
	env := newServerEnv(t)

	blob, digest := testutils.RandomDataAndHash(600)
	_, uploadURL := env.post(t, "/content/generate_blobstore_url/default/"+digest, nil)

	code, _ := env.postUpload(t, uploadURL, blob)
	testutils.AssertEquals(t, http.StatusOK, code)

	code, _ = env.postUpload(t, uploadURL, blob)
	testutils.AssertEquals(t, http.StatusNotFound, code)
}

func TestUploadUnknownID(t *testing.T) {
	env := newServerEnv(t)

	blob, _ := testutils.RandomDataAndHash(600)
	code, _ := env.postUpload(t, env.ts.URL+"/upload/not-an-id", blob)
	testutils.AssertEquals(t, http.StatusNotFound, code)
}

func TestUploadRejectsMultipleFiles(t *testing.T) {
	env := newServerEnv(t)

	blob, digest := testutils.RandomDataAndHash(600)
	_, uploadURL := env.post(t, "/content/generate_blobstore_url/default/"+digest, nil)

	code, text := env.postUpload(t, uploadURL, blob, blob)
	testutils.AssertEquals(t, http.StatusBadRequest, code)
	testutils.AssertEquals(t, "Found 2 files, there should only be 1.\n", text)
}

func TestGenerateURLRejectsLongNamespace(t *testing.T) {
	env := newServerEnv(t)

	_, digest := testutils.RandomDataAndHash(16)
	namespace := strings.Repeat("n", cache.MaxNamespaceLength+1)
	code, _ := env.post(t, "/content/generate_blobstore_url/"+namespace+"/"+digest, nil)
	testutils.AssertEquals(t, http.StatusBadRequest, code)
}

func TestCleanupTriggerAndWorker(t *testing.T) {
	env := newServerEnv(t)

	code, text := env.get(t, "/restricted/cleanup/trigger/old")
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "Triggered /restricted/taskqueue/cleanup/old", text)

	tasks := env.sched.take()
	testutils.AssertEquals(t, 1, len(tasks))
	code, text = env.dispatchTask(t, tasks[0])
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "Done.", text)
}

func TestCleanupTriggerUnknownJob(t *testing.T) {
	env := newServerEnv(t)

	code, text := env.get(t, "/restricted/cleanup/trigger/bogus")
	testutils.AssertEquals(t, http.StatusNotFound, code)
	testutils.AssertEquals(t, "Unknown job\n", text)
}

func TestHealthAndStatus(t *testing.T) {
	env := newServerEnv(t)

	code, text := env.get(t, "/health")
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "ok", text)

	code, text = env.get(t, "/status")
	testutils.AssertEquals(t, http.StatusOK, code)
	if !strings.Contains(text, "retention_days") {
		t.Fatalf("unexpected status payload %q", text)
	}
}

func TestHtpasswdAuth(t *testing.T) {
	// user "tester", password "secret", in the {SHA} scheme.
	htpasswd := filepath.Join(testutils.TempDir(t), "htpasswd")
	err := os.WriteFile(htpasswd, []byte("tester:{SHA}5en6G6MezRroT3XKqkdPOmY/BfQ=\n"), 0600)
	if err != nil {
		t.Fatal(err)
	}
	env := newServerEnvAuth(t, NewHtpasswdAuth("artifact-cache", htpasswd))

	body := []byte("hello")
	digest := hashing.DefaultHasher.Hash(body)
	path := "/content/store/default/" + digest

	code, _ := env.post(t, path, body)
	testutils.AssertEquals(t, http.StatusUnauthorized, code)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.SetBasicAuth("tester", "secret")
	code, text := env.do(t, req)
	testutils.AssertEquals(t, http.StatusOK, code)
	testutils.AssertEquals(t, "Content saved.", text)

	// Restricted worker endpoints stay outside the auth realm.
	code, _ = env.get(t, "/health")
	testutils.AssertEquals(t, http.StatusOK, code)
}
