package httpbulk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/buildhive/artifact-cache/cache"
)

const gcsScope = "https://www.googleapis.com/auth/devstorage.read_write"

// NewGCS returns a BulkStore backed by a Google Cloud Storage bucket,
// speaking the XML API for object bytes and the JSON API for listing.
func NewGCS(bucket string, useDefaultCredentials bool, jsonCredentialsFile string,
	accessLogger cache.Logger, errorLogger cache.Logger) (cache.BulkStore, error) {

	ctx := context.Background()

	var remote *http.Client
	if useDefaultCredentials {
		var err error
		remote, err = google.DefaultClient(ctx, gcsScope)
		if err != nil {
			return nil, err
		}
	} else if jsonCredentialsFile != "" {
		data, err := os.ReadFile(jsonCredentialsFile)
		if err != nil {
			return nil, err
		}
		creds, err := google.CredentialsFromJSON(ctx, data, gcsScope)
		if err != nil {
			return nil, err
		}
		remote = oauth2.NewClient(ctx, creds.TokenSource)
	} else {
		remote = http.DefaultClient
	}

	baseURL, err := url.Parse("https://storage.googleapis.com/" + bucket)
	if err != nil {
		return nil, err
	}
	listURL := "https://storage.googleapis.com/storage/v1/b/" + bucket + "/o"

	return New(baseURL, remote, listURL, accessLogger, errorLogger), nil
}

// gcsObject is the subset of the JSON API object resource we read.
// Size arrives as a decimal string.
type gcsObject struct {
	Name    string    `json:"name"`
	Size    string    `json:"size"`
	Updated time.Time `json:"updated"`
}

type gcsListPage struct {
	Items         []gcsObject `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
}

type gcsScanner struct {
	store     *httpStore
	prefix    string
	pageToken string
	done      bool
}

func (sc *gcsScanner) Next(ctx context.Context) ([]cache.ObjectInfo, error) {
	for !sc.done {
		q := url.Values{}
		q.Set("maxResults", strconv.Itoa(cache.DeleteBatchSize))
		q.Set("fields", "items(name,size,updated),nextPageToken")
		if sc.prefix != "" {
			q.Set("prefix", sc.prefix)
		}
		if sc.pageToken != "" {
			q.Set("pageToken", sc.pageToken)
		}
		rURL := sc.store.listURL + "?" + q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rURL, nil)
		if err != nil {
			return nil, err
		}
		rsp, err := sc.store.remote.Do(req)
		if err != nil {
			return nil, err
		}
		logResponse(sc.store.accessLogger, "LIST", rsp.StatusCode, rURL)
		if rsp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, rsp.Body)
			rsp.Body.Close()
			return nil, fmt.Errorf("http backend LIST: %s", rsp.Status)
		}

		var page gcsListPage
		err = json.NewDecoder(rsp.Body).Decode(&page)
		rsp.Body.Close()
		if err != nil {
			return nil, err
		}

		sc.pageToken = page.NextPageToken
		sc.done = sc.pageToken == ""

		if len(page.Items) == 0 {
			continue
		}
		objects := make([]cache.ObjectInfo, 0, len(page.Items))
		for _, item := range page.Items {
			size, err := strconv.ParseInt(item.Size, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("http backend LIST: bad size %q for %s", item.Size, item.Name)
			}
			objects = append(objects, cache.ObjectInfo{
				Name:    item.Name,
				Size:    size,
				ModTime: item.Updated,
			})
		}
		return objects, nil
	}
	return nil, io.EOF
}
