// Package fsbulk implements the bulk object store on a local directory,
// for development setups and tests. Object names map to file paths
// under the root; writes go through a temporary file and a rename so
// readers never observe partial objects.
package fsbulk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/buildhive/artifact-cache/cache"

	"github.com/djherbis/atime"
)

const tempPrefix = "upload-"

type fsStore struct {
	dir          string
	accessLogger cache.Logger
	errorLogger  cache.Logger
}

// New returns a BulkStore rooted at dir, creating it if needed.
func New(dir string, accessLogger, errorLogger cache.Logger) (cache.BulkStore, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create bulk store root %s: %w", dir, err)
	}
	return &fsStore{
		dir:          dir,
		accessLogger: accessLogger,
		errorLogger:  errorLogger,
	}, nil
}

func (c *fsStore) pathForName(name string) string {
	return filepath.Join(c.dir, filepath.FromSlash(name))
}

func (c *fsStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	blobPath := c.pathForName(name)
	if err := os.MkdirAll(filepath.Dir(blobPath), os.ModePerm); err != nil {
		return err
	}

	// Write to a temporary file in the same directory, then rename.
	f, err := os.CreateTemp(filepath.Dir(blobPath), tempPrefix)
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	err = os.Rename(f.Name(), blobPath)
	c.accessLogger.Printf("FS UPLOAD %s %s", name, errOrOK(err))
	return err
}

func (c *fsStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.pathForName(name))
	if os.IsNotExist(err) {
		return nil, &cache.Error{
			Code: http.StatusNotFound,
			Text: "bulk object " + name + " not found",
		}
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *fsStore) Delete(ctx context.Context, names []string) error {
	var firstErr error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := os.Remove(c.pathForName(name))
		if err != nil && !os.IsNotExist(err) {
			c.errorLogger.Printf("FS DELETE %s %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type objectScanner struct {
	objects []cache.ObjectInfo
	offset  int
}

// List walks the store once and pages over the snapshot. Entries are
// ordered by access time, oldest first, so sweeps visit cold objects
// before hot ones. In-flight temporary files are skipped.
func (c *fsStore) List(ctx context.Context, prefix string) cache.ObjectScanner {
	type nameAndInfo struct {
		info os.FileInfo
		name string
	}

	var files []nameAndInfo
	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		name := filepath.ToSlash(path[len(c.dir)+1:])
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		files = append(files, nameAndInfo{info: info, name: name})
		return nil
	})
	if err != nil {
		return &failedScanner{err: err}
	}

	sort.Slice(files, func(i, j int) bool {
		return atime.Get(files[i].info).Before(atime.Get(files[j].info))
	})

	objects := make([]cache.ObjectInfo, 0, len(files))
	for _, f := range files {
		objects = append(objects, cache.ObjectInfo{
			Name:    f.name,
			Size:    f.info.Size(),
			ModTime: f.info.ModTime(),
		})
	}
	return &objectScanner{objects: objects}
}

func (sc *objectScanner) Next(ctx context.Context) ([]cache.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sc.offset >= len(sc.objects) {
		return nil, io.EOF
	}

	end := sc.offset + cache.DeleteBatchSize
	if end > len(sc.objects) {
		end = len(sc.objects)
	}
	batch := sc.objects[sc.offset:end]
	sc.offset = end
	return batch, nil
}

type failedScanner struct {
	err error
}

func (sc *failedScanner) Next(ctx context.Context) ([]cache.ObjectInfo, error) {
	return nil, sc.err
}

func errOrOK(err error) string {
	if err == nil {
		return "OK"
	}
	return err.Error()
}
