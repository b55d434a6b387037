package cache

import (
	"time"
)

// Entry placement values. A freshly inserted entry has no placement
// until ingest finalizes it.
const (
	PlacementInline = "inline"
	PlacementBulk   = "bulk"
)

// EntryKey identifies an entry: the namespace plus the blob's hex
// digest in that namespace's hash algorithm.
type EntryKey struct {
	Namespace string
	Digest    string
}

func (k EntryKey) String() string {
	return k.Namespace + "/" + k.Digest
}

// Entry is one stored blob's metadata row.
//
// Small blobs carry their bytes inline in InlineData; larger ones live
// in the bulk store under BulkName. Size counts stored bytes,
// ExpandedSize uncompressed bytes. ExpandedSize is -1 for a bulk entry
// whose digest has not been re-verified yet; inline entries are
// verified during ingest and always carry a real value.
type Entry struct {
	Namespace    string    `json:"namespace"`
	Digest       string    `json:"digest"`
	Placement    string    `json:"placement,omitempty"`
	InlineData   []byte    `json:"inline_data"`
	BulkName     string    `json:"bulk_name,omitempty"`
	Size         int64     `json:"size"`
	ExpandedSize int64     `json:"expanded_size"`
	HighPriority bool      `json:"high_priority,omitempty"`
	LastAccess   time.Time `json:"last_access"`
	CreatedAt    time.Time `json:"created_at"`
}

func (e *Entry) Key() EntryKey {
	return EntryKey{Namespace: e.Namespace, Digest: e.Digest}
}

// Pending reports whether ingest has not finalized the entry yet.
func (e *Entry) Pending() bool {
	return e.Placement == ""
}

func (e *Entry) Inline() bool {
	return e.Placement == PlacementInline
}

// Verified reports whether the stored bytes have been checked against
// the digest. LastAccess bumps are only meaningful on verified entries,
// but cleanup treats verified and unverified rows alike.
func (e *Entry) Verified() bool {
	return e.ExpandedSize >= 0
}

// NamespaceInfo is the per-namespace row, created on first insert.
type NamespaceInfo struct {
	Name      string    `json:"name"`
	IsTesting bool      `json:"is_testing"`
	CreatedAt time.Time `json:"created_at"`
}

// Today returns the current UTC day at midnight, the granularity of
// LastAccess stamps.
func Today() time.Time {
	return DayOf(time.Now())
}

// DayOf truncates t to its UTC day.
func DayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
