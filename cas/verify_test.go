package cas

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/buildhive/artifact-cache/cache"
	testutils "github.com/buildhive/artifact-cache/utils"
)

// finalizeUnverified pushes a blob through the bulk upload path without
// running the verify task, leaving an unverified entry behind.
func (env *testEnv) finalizeUnverified(t *testing.T, namespace, digest string,
	body []byte, highPriority bool) cache.EntryKey {

	t.Helper()
	key := cache.EntryKey{Namespace: namespace, Digest: digest}
	upload := env.uploadObject(t, key, body)
	msg, err := env.engine.FinalizeUpload(context.Background(), key,
		[]UploadedFile{upload}, highPriority)
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEquals(t, "Content saved.", msg)
	env.sched.take()
	return key
}

func TestVerifyCommits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body, digest := testutils.RandomDataAndHash(2048)
	key := env.finalizeUnverified(t, "default", digest, body, false)

	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	entry := env.mustGet(t, key)
	testutils.AssertEquals(t, int64(2048), entry.ExpandedSize)

	// Redelivery is a no-op thanks to the verified guard.
	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}

	rc, size, err := env.engine.Retrieve(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEquals(t, int64(2048), size)
	if !bytes.Equal(body, readAll(t, rc)) {
		t.Fatal("retrieved bytes differ from the uploaded ones")
	}
}

func TestVerifyCompressed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload, digest := testutils.RandomCompressedBlob(t, 4000)
	key := env.finalizeUnverified(t, "default-deflate", digest, payload, false)

	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	entry := env.mustGet(t, key)
	testutils.AssertEquals(t, int64(len(payload)), entry.Size)
	testutils.AssertEquals(t, int64(4000), entry.ExpandedSize)
}

func TestVerifyMismatchPurges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body, digest := testutils.RandomDataAndHash(2048)
	body[100] ^= 1
	key := env.finalizeUnverified(t, "default", digest, body, false)
	name := env.mustGet(t, key).BulkName

	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	env.assertEntryGone(t, key)
	env.assertObjectGone(t, name)
}

func TestVerifyCorruptStreamPurges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Claims to be compressed but is not a zlib stream.
	body, digest := testutils.RandomDataAndHash(2048)
	key := env.finalizeUnverified(t, "default-deflate", digest, body, false)
	name := env.mustGet(t, key).BulkName

	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	env.assertEntryGone(t, key)
	env.assertObjectGone(t, name)
}

func TestVerifyMissingObjectPurges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body, digest := testutils.RandomDataAndHash(2048)
	key := env.finalizeUnverified(t, "default", digest, body, false)

	entry := env.mustGet(t, key)
	if err := env.bulk.Delete(ctx, []string{entry.BulkName}); err != nil {
		t.Fatal(err)
	}

	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	env.assertEntryGone(t, key)
}

func TestVerifyMissingEntry(t *testing.T) {
	env := newTestEnv(t)

	_, digest := testutils.RandomDataAndHash(10)
	err := env.engine.Verify(context.Background(),
		cache.EntryKey{Namespace: "default", Digest: digest})
	if err != nil {
		t.Fatal(err)
	}
}

func TestVerifyInlineEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body, digest := testutils.RandomDataAndHash(10)
	key := env.mustStore(t, "default", body, digest)

	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	// The entry is untouched.
	entry := env.mustGet(t, key)
	testutils.AssertEquals(t, cache.PlacementInline, entry.Placement)
	testutils.AssertEquals(t, int64(10), entry.ExpandedSize)
}

func TestVerifyCapturePopulatesReadCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body, digest := testutils.RandomDataAndHash(2048)
	key := env.finalizeUnverified(t, "default", digest, body, true)

	if _, ok := env.rcache.Get(ctx, key); ok {
		t.Fatal("the read cache must not hold unverified content")
	}
	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	cached, ok := env.rcache.Get(ctx, key)
	if !ok {
		t.Fatal("expected a read cache hit after verification")
	}
	if !bytes.Equal(body, cached) {
		t.Fatal("cached bytes differ from the stored ones")
	}
}

// unreliableBulk fails every Open with a transient error, as a flaky
// remote object store would.
type unreliableBulk struct {
	cache.BulkStore
	err error
}

func (u *unreliableBulk) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return nil, u.err
}

func TestVerifyTransientErrorKeepsEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body, digest := testutils.RandomDataAndHash(2048)
	key := env.finalizeUnverified(t, "default", digest, body, false)
	name := env.mustGet(t, key).BulkName

	logger := testutils.NewSilentLogger()
	transient := errors.New("read tcp 10.0.0.1:443: connection reset by peer")
	engine := New(env.meta, &unreliableBulk{BulkStore: env.bulk, err: transient}, nil,
		env.sched, 7, time.Minute, logger, logger)

	if err := engine.Verify(ctx, key); !errors.Is(err, transient) {
		t.Fatalf("expected the read error to propagate, got %v", err)
	}

	// The entry and its object survive, so the task queue's redelivery
	// succeeds once the store recovers.
	entry := env.mustGet(t, key)
	testutils.AssertEquals(t, int64(-1), entry.ExpandedSize)
	testutils.AssertEquals(t, name, entry.BulkName)

	if err := env.engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	testutils.AssertEquals(t, int64(2048), env.mustGet(t, key).ExpandedSize)
}

func TestVerifyCanceledContextKeepsEntry(t *testing.T) {
	env := newTestEnv(t)

	body, digest := testutils.RandomDataAndHash(2048)
	key := env.finalizeUnverified(t, "default", digest, body, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.engine.Verify(ctx, key); err == nil {
		t.Fatal("expected an error from the canceled context")
	}

	// Cancellation during shutdown must not look like corruption.
	entry := env.mustGet(t, key)
	testutils.AssertEquals(t, int64(-1), entry.ExpandedSize)
}

// stallingBulk serves an endless stream, for exercising the deadline
// give-up path.
type stallingBulk struct {
	cache.BulkStore
}

type stallingReader struct{}

func (stallingReader) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	if len(p) > 0 {
		p[0] = 'x'
	}
	return 1, nil
}

func (s *stallingBulk) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return io.NopCloser(stallingReader{}), nil
}

func TestVerifyDeadlineGivesUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body, digest := testutils.RandomDataAndHash(2048)
	key := env.finalizeUnverified(t, "default", digest, body, false)

	logger := testutils.NewSilentLogger()
	engine := New(env.meta, &stallingBulk{BulkStore: env.bulk}, nil, env.sched,
		7, 50*time.Millisecond, logger, logger)

	if err := engine.Verify(ctx, key); err != nil {
		t.Fatal(err)
	}
	// The entry survives, still unverified, for a later sweep.
	entry := env.mustGet(t, key)
	testutils.AssertEquals(t, int64(-1), entry.ExpandedSize)
}
