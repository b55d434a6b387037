// Package badgermeta implements the entry metadata store on BadgerDB.
//
// Rows are JSON-encoded under two key prefixes: "e/<namespace>/<digest>"
// for entries and "n/<namespace>" for namespace rows. Insert-if-absent
// runs in a serializable transaction, which makes it linearizable per
// key; scans paginate with short-lived read transactions so no
// long-running iterator pins the LSM.
package badgermeta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buildhive/artifact-cache/cache"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"
)

const (
	entryPrefix = "e/"
	nsPrefix    = "n/"

	// existsConcurrency bounds the lookup fan-out of ExistsBatch.
	existsConcurrency = 64

	// insertAttempts bounds transaction retries when concurrent inserts
	// into the same namespace collide on the namespace row.
	insertAttempts = 5

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.7
)

var errRowExists = errors.New("row exists")

type Store struct {
	db          *badger.DB
	errorLogger cache.Logger
	stopGC      chan struct{}
}

// New opens (or creates) a metadata store in dir and starts the value
// log garbage collection loop.
func New(dir string, errorLogger cache.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store in %s: %w", dir, err)
	}

	s := &Store{
		db:          db,
		errorLogger: errorLogger,
		stopGC:      make(chan struct{}),
	}
	go s.gcLoop()
	return s, nil
}

// NewInMemory returns a store without any on-disk state, for tests and
// throwaway deployments. Badger's value log GC does not apply here.
func NewInMemory(errorLogger cache.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory metadata store: %w", err)
	}
	return &Store{db: db, errorLogger: errorLogger}, nil
}

func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
	}
	return s.db.Close()
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// Repeat while the GC finds log files to rewrite.
			for {
				err := s.db.RunValueLogGC(gcDiscardRatio)
				if err == nil {
					continue
				}
				if err != badger.ErrNoRewrite {
					s.errorLogger.Printf("metadata store GC: %v", err)
				}
				break
			}
		}
	}
}

func entryKey(k cache.EntryKey) []byte {
	return []byte(entryPrefix + k.Namespace + "/" + k.Digest)
}

func nsKey(name string) []byte {
	return []byte(nsPrefix + name)
}

func notFound(key cache.EntryKey) error {
	return &cache.Error{
		Code: http.StatusNotFound,
		Text: fmt.Sprintf("entry %s not found", key),
	}
}

func (s *Store) Get(ctx context.Context, key cache.EntryKey) (*cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var e cache.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err == badger.ErrKeyNotFound {
			return notFound(key)
		}
		if err != nil {
			return err
		}
		buf, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(buf, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ExistsBatch(ctx context.Context, namespace string, digests []string) ([]bool, error) {
	results := make([]bool, len(digests))

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(existsConcurrency)
	for i, digest := range digests {
		i, digest := i, digest
		eg.Go(func() error {
			return s.db.View(func(txn *badger.Txn) error {
				_, err := txn.Get(entryKey(cache.EntryKey{Namespace: namespace, Digest: digest}))
				if err == badger.ErrKeyNotFound {
					return nil
				}
				if err != nil {
					return err
				}
				results[i] = true
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, e *cache.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	buf, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	ek := entryKey(e.Key())

	// Concurrent first inserts into a brand-new namespace conflict on
	// the namespace row read; retry until one of the outcomes is
	// definite.
	for attempt := 0; attempt < insertAttempts; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(ek)
			if err == nil {
				return errRowExists
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(ek, buf); err != nil {
				return err
			}
			return ensureNamespaceRow(txn, e.Namespace)
		})
		if err == badger.ErrConflict {
			continue
		}
		break
	}

	if errors.Is(err, errRowExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func ensureNamespaceRow(txn *badger.Txn, namespace string) error {
	nk := nsKey(namespace)
	_, err := txn.Get(nk)
	if err == nil {
		return nil
	}
	if err != badger.ErrKeyNotFound {
		return err
	}
	info := cache.NamespaceInfo{
		Name:      namespace,
		IsTesting: cache.IsTestingNamespace(namespace),
		CreatedAt: time.Now().UTC(),
	}
	buf, err := json.Marshal(&info)
	if err != nil {
		return err
	}
	return txn.Set(nk, buf)
}

func (s *Store) Update(ctx context.Context, e *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Key()), buf)
	})
}

func (s *Store) PutMulti(ctx context.Context, entries []*cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := wb.Set(entryKey(e.Key()), buf); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Store) DeleteMany(keys []cache.EntryKey) *cache.DeleteHandle {
	h := cache.NewDeleteHandle()
	go func() {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, k := range keys {
			if err := wb.Delete(entryKey(k)); err != nil {
				h.Complete(err)
				return
			}
		}
		h.Complete(wb.Flush())
	}()
	return h
}

func (s *Store) DeleteNamespaces(names []string) *cache.DeleteHandle {
	h := cache.NewDeleteHandle()
	go func() {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, name := range names {
			if err := wb.Delete(nsKey(name)); err != nil {
				h.Complete(err)
				return
			}
		}
		h.Complete(wb.Flush())
	}()
	return h
}

type entryScanner struct {
	store  *Store
	filter cache.ScanFilter
	prefix []byte
	cursor []byte
	done   bool
}

func (s *Store) Scan(ctx context.Context, f cache.ScanFilter) cache.EntryScanner {
	prefix := entryPrefix
	if f.Namespace != "" {
		prefix = entryPrefix + f.Namespace + "/"
	}
	return &entryScanner{
		store:  s,
		filter: f,
		prefix: []byte(prefix),
	}
}

// Next returns the next chunk of at most cache.DeleteBatchSize matching
// records. Each call runs its own read transaction, resuming after the
// last key of the previous chunk.
func (sc *entryScanner) Next(ctx context.Context) ([]cache.ScanRecord, error) {
	for {
		if sc.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var batch []cache.ScanRecord
		err := sc.store.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = sc.prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			if sc.cursor == nil {
				it.Rewind()
			} else {
				it.Seek(sc.cursor)
			}

			for ; it.Valid(); it.Next() {
				item := it.Item()
				buf, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				var e cache.Entry
				if err := json.Unmarshal(buf, &e); err != nil {
					return err
				}
				if !sc.filter.LastAccessBefore.IsZero() &&
					!e.LastAccess.Before(sc.filter.LastAccessBefore) {
					continue
				}
				batch = append(batch, cache.ScanRecord{
					Key:      e.Key(),
					BulkName: e.BulkName,
				})
				if len(batch) == cache.DeleteBatchSize {
					// Resume strictly after this key.
					sc.cursor = append(item.KeyCopy(nil), 0)
					return nil
				}
			}
			sc.done = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}
	}
}

func (s *Store) TestingNamespaces(ctx context.Context) ([]string, error) {
	return s.namespaces(ctx, true)
}

func (s *Store) AllNamespaces(ctx context.Context) ([]string, error) {
	return s.namespaces(ctx, false)
}

func (s *Store) namespaces(ctx context.Context, onlyTesting bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(nsPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			buf, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var info cache.NamespaceInfo
			if err := json.Unmarshal(buf, &info); err != nil {
				return err
			}
			if onlyTesting && !info.IsTesting {
				continue
			}
			names = append(names, info.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
