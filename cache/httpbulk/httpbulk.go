// Package httpbulk implements the bulk object store against a plain
// HTTP object host: objects are PUT, GET and DELETEd under a base URL.
// With an OAuth2-enabled client and a listing URL it also fronts
// Google Cloud Storage (see NewGCS).
package httpbulk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/buildhive/artifact-cache/cache"
)

type httpStore struct {
	remote       *http.Client
	baseURL      string
	listURL      string
	accessLogger cache.Logger
	errorLogger  cache.Logger
}

// New returns a BulkStore that stores objects under baseURL using the
// given client. Listing is unsupported unless listURL is set (the GCS
// JSON API shape, see NewGCS).
func New(baseURL *url.URL, remote *http.Client, listURL string,
	accessLogger cache.Logger, errorLogger cache.Logger) cache.BulkStore {

	return &httpStore{
		remote:       remote,
		baseURL:      strings.TrimRight(baseURL.String(), "/"),
		listURL:      listURL,
		accessLogger: accessLogger,
		errorLogger:  errorLogger,
	}
}

func (c *httpStore) requestURL(name string) string {
	return c.baseURL + "/" + name
}

func logResponse(log cache.Logger, method string, code int, url string) {
	log.Printf("HTTP %s %d %s", method, code, url)
}

func (c *httpStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	rURL := c.requestURL(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size

	rsp, err := c.remote.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, rsp.Body)
	rsp.Body.Close()

	logResponse(c.accessLogger, "UPLOAD", rsp.StatusCode, rURL)
	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		return fmt.Errorf("http backend PUT %s: %s", name, rsp.Status)
	}
	return nil
}

func (c *httpStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	rURL := c.requestURL(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rURL, nil)
	if err != nil {
		return nil, err
	}
	rsp, err := c.remote.Do(req)
	if err != nil {
		return nil, err
	}

	logResponse(c.accessLogger, "DOWNLOAD", rsp.StatusCode, rURL)
	if rsp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, rsp.Body)
		rsp.Body.Close()
		return nil, &cache.Error{
			Code: http.StatusNotFound,
			Text: "bulk object " + name + " not found",
		}
	}
	if rsp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, rsp.Body)
		rsp.Body.Close()
		return nil, fmt.Errorf("http backend GET %s: %s", name, rsp.Status)
	}
	return rsp.Body, nil
}

func (c *httpStore) Delete(ctx context.Context, names []string) error {
	var firstErr error
	for _, name := range names {
		rURL := c.requestURL(name)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, rURL, nil)
		if err != nil {
			return err
		}
		rsp, err := c.remote.Do(req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		io.Copy(io.Discard, rsp.Body)
		rsp.Body.Close()

		logResponse(c.accessLogger, "DELETE", rsp.StatusCode, rURL)
		switch {
		case rsp.StatusCode >= 200 && rsp.StatusCode < 300:
		case rsp.StatusCode == http.StatusNotFound:
		default:
			c.errorLogger.Printf("HTTP DELETE %s: %s", name, rsp.Status)
			if firstErr == nil {
				firstErr = fmt.Errorf("http backend DELETE %s: %s", name, rsp.Status)
			}
		}
	}
	return firstErr
}

func (c *httpStore) List(ctx context.Context, prefix string) cache.ObjectScanner {
	if c.listURL == "" {
		return &failedScanner{err: cache.ErrListUnsupported}
	}
	return &gcsScanner{store: c, prefix: prefix}
}

type failedScanner struct {
	err error
}

func (sc *failedScanner) Next(ctx context.Context) ([]cache.ObjectInfo, error) {
	return nil, sc.err
}
