// Package s3bulk implements the bulk object store on any S3-compatible
// service through the minio client.
package s3bulk

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/config"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type s3Store struct {
	mcore        *minio.Core
	bucket       string
	prefix       string
	accessLogger cache.Logger
	errorLogger  cache.Logger
}

var (
	bulkHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_s3_hits",
		Help: "The total number of bulk objects opened from the S3 backend",
	})
	bulkMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_s3_misses",
		Help: "The total number of bulk object opens that found nothing",
	})
)

// Used in place of minio's verbose "NoSuchKey" error in access logs.
var errNotFound = errors.New("NOT FOUND")

// New returns a BulkStore backed by the configured S3 bucket.
func New(s3Config *config.S3CloudStorageConfig, accessLogger cache.Logger,
	errorLogger cache.Logger) (cache.BulkStore, error) {

	creds, err := s3Config.GetCredentials()
	if err != nil {
		return nil, err
	}

	mcore, err := minio.NewCore(s3Config.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: !s3Config.DisableSSL,
		Region: s3Config.Region,
	})
	if err != nil {
		return nil, err
	}

	return &s3Store{
		mcore:        mcore,
		bucket:       s3Config.Bucket,
		prefix:       s3Config.Prefix,
		accessLogger: accessLogger,
		errorLogger:  errorLogger,
	}, nil
}

func (c *s3Store) objectKey(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}

// trimKey undoes objectKey for names coming back from listings.
func (c *s3Store) trimKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return key[len(c.prefix)+1:]
}

// Helper function for logging responses
func logResponse(log cache.Logger, method, bucket, key string, err error) {
	status := "OK"
	if err != nil {
		status = err.Error()
	}

	log.Printf("S3 %s %s %s %s", method, bucket, key, status)
}

func (c *s3Store) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := c.mcore.PutObject(
		ctx,
		c.bucket,
		c.objectKey(name),
		r,
		size,
		"", // md5base64
		"", // sha256
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)

	logResponse(c.accessLogger, "UPLOAD", c.bucket, c.objectKey(name), err)
	return err
}

func (c *s3Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	object, _, _, err := c.mcore.GetObject(
		ctx,
		c.bucket,
		c.objectKey(name),
		minio.GetObjectOptions{},
	)
	if err != nil {
		bulkMisses.Inc()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			logResponse(c.accessLogger, "DOWNLOAD", c.bucket, c.objectKey(name), errNotFound)
			return nil, &cache.Error{
				Code: http.StatusNotFound,
				Text: "bulk object " + name + " not found",
			}
		}
		logResponse(c.accessLogger, "DOWNLOAD", c.bucket, c.objectKey(name), err)
		return nil, err
	}
	bulkHits.Inc()

	logResponse(c.accessLogger, "DOWNLOAD", c.bucket, c.objectKey(name), nil)
	return object, nil
}

func (c *s3Store) Delete(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(names))
	for _, name := range names {
		objectsCh <- minio.ObjectInfo{Key: c.objectKey(name)}
	}
	close(objectsCh)

	var firstErr error
	errCh := c.mcore.Client.RemoveObjects(ctx, c.bucket, objectsCh, minio.RemoveObjectsOptions{})
	for rmErr := range errCh {
		logResponse(c.errorLogger, "DELETE", c.bucket, rmErr.ObjectName, rmErr.Err)
		if firstErr == nil {
			firstErr = rmErr.Err
		}
	}
	if firstErr == nil {
		logResponse(c.accessLogger, "DELETE", c.bucket, names[0], nil)
	}
	return firstErr
}

type objectScanner struct {
	store   *s3Store
	objects <-chan minio.ObjectInfo
	done    bool
}

func (c *s3Store) List(ctx context.Context, prefix string) cache.ObjectScanner {
	objects := c.mcore.Client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    c.objectKey(prefix),
		Recursive: true,
	})
	return &objectScanner{store: c, objects: objects}
}

func (sc *objectScanner) Next(ctx context.Context) ([]cache.ObjectInfo, error) {
	if sc.done {
		return nil, io.EOF
	}

	var batch []cache.ObjectInfo
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case obj, ok := <-sc.objects:
			if !ok {
				sc.done = true
				if len(batch) == 0 {
					return nil, io.EOF
				}
				return batch, nil
			}
			if obj.Err != nil {
				return nil, obj.Err
			}
			batch = append(batch, cache.ObjectInfo{
				Name:    sc.store.trimKey(obj.Key),
				Size:    obj.Size,
				ModTime: obj.LastModified,
			})
			if len(batch) == cache.DeleteBatchSize {
				return batch, nil
			}
		}
	}
}
