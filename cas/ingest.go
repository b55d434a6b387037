package cas

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/cache/hashing"
)

// Responses shared by both ingest paths.
const (
	msgEntryExisted = "Entry already existed"
	msgContentSaved = "Content saved."
)

// provisionalEntry inserts the insert-once row that reserves a key for
// the duration of an ingest. The bool reports whether the reservation
// was won; false means the blob is already stored.
func (e *Engine) provisionalEntry(ctx context.Context, key cache.EntryKey) (*cache.Entry, bool, error) {
	entry := &cache.Entry{
		Namespace:    key.Namespace,
		Digest:       key.Digest,
		ExpandedSize: -1,
		LastAccess:   cache.Today(),
		CreatedAt:    time.Now().UTC(),
	}
	inserted, err := e.meta.InsertIfAbsent(ctx, entry)
	if err != nil {
		return nil, false, err
	}
	return entry, inserted, nil
}

// dropProvisional undoes a reservation after a failed ingest.
func (e *Engine) dropProvisional(ctx context.Context, entry *cache.Entry) {
	if err := e.meta.DeleteMany([]cache.EntryKey{entry.Key()}).Wait(); err != nil {
		e.errorLogger.Printf("Unable to delete the provisional entry %s: %v", entry.Key(), err)
	}
}

// StoreInline ingests a blob whose bytes arrived in the request body.
// The content is expanded and hashed in memory before placement, so
// inline ingests never need asynchronous verification.
func (e *Engine) StoreInline(ctx context.Context, key cache.EntryKey, body []byte,
	highPriority bool) (string, error) {

	if err := cache.CheckNamespaceLength(key.Namespace); err != nil {
		return "", err
	}
	if err := hashing.ForNamespace(key.Namespace).Validate(key.Digest); err != nil {
		return "", &cache.Error{Code: 400, Text: err.Error()}
	}

	entry, inserted, err := e.provisionalEntry(ctx, key)
	if err != nil {
		return "", err
	}
	if !inserted {
		storeDupes.Inc()
		return msgEntryExisted, nil
	}

	digest, expanded, err := expandAndHash(key.Namespace, bytes.NewReader(body))
	if err != nil {
		msg := fmt.Sprintf("Data is corrupted: %s", err)
		e.errorLogger.Printf("%s", msg)
		e.dropProvisional(ctx, entry)
		return "", &cache.Error{Code: 400, Text: msg}
	}
	if digest != key.Digest {
		msg := fmt.Sprintf("Hash and data do not match, %d bytes (%d bytes expanded)",
			len(body), expanded)
		e.errorLogger.Printf("%s", msg)
		e.dropProvisional(ctx, entry)
		return "", &cache.Error{Code: 400, Text: msg}
	}

	if len(body) < cache.MinSizeForBulk {
		entry.Placement = cache.PlacementInline
		entry.InlineData = body
		if entry.InlineData == nil {
			entry.InlineData = []byte{}
		}
	} else {
		name := NewBulkName(key)
		err := e.bulk.Put(ctx, name, bytes.NewReader(body), int64(len(body)))
		if err != nil {
			e.errorLogger.Printf("Unable to store %s in the bulk store: %v", name, err)
			e.dropProvisional(ctx, entry)
			return "", &cache.Error{
				Code: 503,
				Text: "Unable to save the content to the bulk store.",
			}
		}
		entry.Placement = cache.PlacementBulk
		entry.BulkName = name
	}

	entry.Size = int64(len(body))
	entry.ExpandedSize = expanded
	entry.HighPriority = highPriority
	entry.LastAccess = cache.Today()
	if err := e.meta.Update(ctx, entry); err != nil {
		return "", err
	}
	storeCount.WithLabelValues(entry.Placement).Inc()

	// Inline rows are a single metadata read already; only bulk-placed
	// high priority blobs earn a read cache slot.
	if e.rcache != nil && entry.BulkName != "" && entry.HighPriority &&
		entry.Size <= cache.MaxCachedSize {
		e.rcache.Set(ctx, key, body)
	}
	return msgContentSaved, nil
}

// UploadedFile describes one file the upload gateway streamed to the
// bulk store on behalf of a client.
type UploadedFile struct {
	Name string
	Size int64
}

// FinalizeUpload links a gateway upload to its entry and schedules
// verification. The blob's bytes are already in the bulk store; its
// digest has not been checked yet.
func (e *Engine) FinalizeUpload(ctx context.Context, key cache.EntryKey,
	uploads []UploadedFile, highPriority bool) (string, error) {

	names := make([]string, len(uploads))
	for i, u := range uploads {
		names[i] = u.Name
	}

	if len(uploads) != 1 {
		// The objects are not linked to anything. Drop them.
		e.deleteObjects(ctx, names)
		msg := fmt.Sprintf("Found %d files, there should only be 1.", len(uploads))
		e.errorLogger.Printf("%s", msg)
		return "", &cache.Error{Code: 400, Text: msg}
	}
	upload := uploads[0]

	if !strings.HasPrefix(upload.Name, key.Namespace+"/") {
		e.deleteObjects(ctx, names)
		msg := "Unexpected namespace or bulk prefix."
		e.errorLogger.Printf("%s", msg)
		return "", &cache.Error{Code: 400, Text: msg}
	}

	entry, inserted, err := e.provisionalEntry(ctx, key)
	if err != nil {
		return "", err
	}
	if !inserted {
		storeDupes.Inc()
		e.deleteObjects(ctx, names)
		return msgEntryExisted, nil
	}

	entry.Placement = cache.PlacementBulk
	entry.BulkName = upload.Name
	entry.Size = upload.Size
	entry.ExpandedSize = -1
	entry.HighPriority = highPriority
	entry.LastAccess = cache.Today()
	if err := e.meta.Update(ctx, entry); err != nil {
		return "", err
	}

	if upload.Size < cache.MinSizeForBulk {
		e.errorLogger.Printf(
			"User stored a file too small %d in the bulk store, fix client code.",
			upload.Size)
	}

	// Verification can't run inline, the object may take minutes to
	// stream.
	task := cache.Task{
		Queue: cache.VerifyQueue,
		Path:  fmt.Sprintf("/restricted/taskqueue/verify/%s/%s", key.Namespace, key.Digest),
	}
	if err := e.scheduler.Enqueue(ctx, task); err != nil {
		msg := fmt.Sprintf("Unable to add task to verify blob.\n%s", err)
		e.errorLogger.Printf("%s", msg)
		if perr := e.purgeEntry(ctx, entry); perr != nil {
			e.errorLogger.Printf("Unable to delete the unverifiable entry %s: %v",
				entry.Key(), perr)
		}
		return "", &cache.Error{Code: 500, Text: msg}
	}

	storeCount.WithLabelValues(cache.PlacementBulk).Inc()
	return msgContentSaved, nil
}
