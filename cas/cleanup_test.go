package cas

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildhive/artifact-cache/cache"
	testutils "github.com/buildhive/artifact-cache/utils"
)

func TestTriggerCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.engine.TriggerCleanup(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEquals(t, "Triggered /restricted/taskqueue/cleanup/old", msg)

	tasks := env.sched.take()
	testutils.AssertEquals(t, 1, len(tasks))
	testutils.AssertEquals(t, cache.CleanupQueue, tasks[0].Queue)
	if !strings.HasPrefix(tasks[0].Name, "old_") {
		t.Fatalf("expected a timestamped task name, got %q", tasks[0].Name)
	}
}

func TestTriggerCleanupUnknownJob(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.TriggerCleanup(context.Background(), "nonsense")
	testutils.AssertFailureWithCode(t, err, 404)
	testutils.AssertEquals(t, 0, len(env.sched.take()))
}

func TestTriggerCleanupDuplicate(t *testing.T) {
	env := newTestEnv(t)

	env.sched.failWith(cache.ErrTaskExists)
	_, err := env.engine.TriggerCleanup(context.Background(), "testing")
	testutils.AssertFailureWithCode(t, err, 500)
}

func TestCleanupOld(t *testing.T) {
	env := newTestEnvRetention(t, 30)
	ctx := context.Background()

	oldBody, oldDigest := testutils.RandomDataAndHash(1024)
	freshBody, freshDigest := testutils.RandomDataAndHash(1024)

	oldKey := env.mustStore(t, "default", oldBody, oldDigest)
	freshKey := env.mustStore(t, "default", freshBody, freshDigest)
	oldName := env.mustGet(t, oldKey).BulkName

	env.ageEntry(t, oldKey, 40)
	env.ageEntry(t, freshKey, 5)

	found, err := env.engine.CleanupOld(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected the pass to report deletions")
	}

	env.assertEntryGone(t, oldKey)
	env.assertObjectGone(t, oldName)
	env.mustGet(t, freshKey)

	// A second pass finds nothing.
	found, err = env.engine.CleanupOld(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected an empty second pass")
	}
}

func TestCleanupOldManyBatches(t *testing.T) {
	env := newTestEnvRetention(t, 7)
	ctx := context.Background()

	// More entries than one delete batch, to exercise the scan cursor
	// and the in-flight handle discipline.
	keys := make([]cache.EntryKey, 0, cache.DeleteBatchSize+50)
	for i := 0; i < cache.DeleteBatchSize+50; i++ {
		body, digest := testutils.RandomDataAndHash(16)
		key := env.mustStore(t, "default", body, digest)
		env.ageEntry(t, key, 30)
		keys = append(keys, key)
	}

	found, err := env.engine.CleanupOld(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected deletions")
	}
	for _, key := range keys {
		env.assertEntryGone(t, key)
	}
}

func TestCleanupTesting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	staleBody, staleDigest := testutils.RandomDataAndHash(64)
	staleKey := env.mustStore(t, "temporary-ci", staleBody, staleDigest)
	env.ageEntry(t, staleKey, 2)

	freshBody, freshDigest := testutils.RandomDataAndHash(64)
	freshKey := env.mustStore(t, "temporary-dev", freshBody, freshDigest)

	durableBody, durableDigest := testutils.RandomDataAndHash(64)
	durableKey := env.mustStore(t, "default", durableBody, durableDigest)
	env.ageEntry(t, durableKey, 2)

	if err := env.engine.CleanupTesting(ctx); err != nil {
		t.Fatal(err)
	}

	// The stale testing entry and its now-empty namespace are gone; the
	// fresh testing entry and the non-testing namespace are untouched.
	env.assertEntryGone(t, staleKey)
	env.mustGet(t, freshKey)
	env.mustGet(t, durableKey)

	remaining, err := env.meta.TestingNamespaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEquals(t, 1, len(remaining))
	testutils.AssertEquals(t, "temporary-dev", remaining[0])
}

func TestObliterate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var keys []cache.EntryKey
	for _, size := range []int64{16, 1024, 2048} {
		body, digest := testutils.RandomDataAndHash(size)
		keys = append(keys, env.mustStore(t, "default", body, digest))
	}
	cachedBody, cachedDigest := testutils.RandomDataAndHash(1024)
	cachedKey := cache.EntryKey{Namespace: "default", Digest: cachedDigest}
	if _, err := env.engine.StoreInline(ctx, cachedKey, cachedBody, true); err != nil {
		t.Fatal(err)
	}

	if err := env.engine.Obliterate(ctx); err != nil {
		t.Fatal(err)
	}

	for _, key := range keys {
		env.assertEntryGone(t, key)
	}
	namespaces, err := env.meta.AllNamespaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	testutils.AssertEquals(t, 0, len(namespaces))

	if _, err := env.bulk.List(ctx, "").Next(ctx); err != io.EOF {
		t.Fatalf("expected an empty bulk store, got %v", err)
	}
	if _, ok := env.rcache.Get(ctx, cachedKey); ok {
		t.Fatal("expected the read cache to be flushed")
	}
}

// ageObject backdates a bulk object's mod time past the upload grace
// window.
func (env *testEnv) ageObject(t *testing.T, name string) {
	t.Helper()
	path := filepath.Join(env.bulkDir, filepath.FromSlash(name))
	stamp := time.Now().Add(-2 * uploadGrace)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatal(err)
	}
}

func TestCleanupOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A referenced object survives.
	body, digest := testutils.RandomDataAndHash(1024)
	key := env.mustStore(t, "default", body, digest)
	kept := env.mustGet(t, key).BulkName
	env.ageObject(t, kept)

	// An unreferenced object of age is swept.
	_, orphanDigest := testutils.RandomDataAndHash(16)
	orphan := env.uploadObject(t, cache.EntryKey{Namespace: "default", Digest: orphanDigest},
		[]byte("leaked")).Name
	env.ageObject(t, orphan)

	// A superseded duplicate (entry points elsewhere) is swept.
	dupe := env.uploadObject(t, key, body).Name
	env.ageObject(t, dupe)

	// A young unreferenced object is still inside the grace window.
	_, youngDigest := testutils.RandomDataAndHash(16)
	young := env.uploadObject(t, cache.EntryKey{Namespace: "default", Digest: youngDigest},
		[]byte("in flight")).Name

	if err := env.engine.CleanupOrphans(ctx); err != nil {
		t.Fatal(err)
	}

	env.assertObjectGone(t, orphan)
	env.assertObjectGone(t, dupe)
	if rc, err := env.bulk.Open(ctx, kept); err != nil {
		t.Fatal("the referenced object must survive the sweep")
	} else {
		rc.Close()
	}
	if rc, err := env.bulk.Open(ctx, young); err != nil {
		t.Fatal("objects inside the grace window must survive the sweep")
	} else {
		rc.Close()
	}
}
