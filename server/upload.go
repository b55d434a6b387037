package server

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/cas"
)

// GatewayHeader marks the bulk-upload finalize request as coming from
// the upload gateway rather than an arbitrary client.
const GatewayHeader = "X-Bulk-Upload"

// DefaultUploadTTL is how long an issued upload URL stays usable.
const DefaultUploadTTL = 4 * time.Hour

// uploadFileField is the multipart field name clients post their blob
// under.
const uploadFileField = "content"

type pendingUpload struct {
	key      cache.EntryKey
	accessID string
	token    string
	priority string
	expires  time.Time
}

// UploadGateway implements the hosted-upload dance: it issues
// single-use, time-limited upload URLs, streams the posted parts into
// the bulk store under server-chosen object names, and reports the
// uploaded file infos to the finalize endpoint with the gateway marker
// set.
type UploadGateway struct {
	bulk    cache.BulkStore
	baseURL string
	remote  *http.Client
	ttl     time.Duration

	accessLogger cache.Logger
	errorLogger  cache.Logger

	mu      sync.Mutex
	pending map[string]pendingUpload
	tokens  map[string]time.Time
}

// NewUploadGateway returns a gateway issuing URLs under baseURL and
// dispatching finalize callbacks through remote. A zero ttl selects
// DefaultUploadTTL.
func NewUploadGateway(bulk cache.BulkStore, baseURL string, remote *http.Client,
	ttl time.Duration, accessLogger, errorLogger cache.Logger) *UploadGateway {

	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	return &UploadGateway{
		bulk:         bulk,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		remote:       remote,
		ttl:          ttl,
		accessLogger: accessLogger,
		errorLogger:  errorLogger,
		pending:      make(map[string]pendingUpload),
		tokens:       make(map[string]time.Time),
	}
}

// Generate issues a single-use upload URL bound to the entry key, the
// caller's access id and a callback token. An empty client token gets
// a generated one.
func (g *UploadGateway) Generate(key cache.EntryKey, accessID, token, priority string) string {
	id := uuid.New().String()
	if token == "" {
		token = uuid.New().String()
	}
	now := time.Now()

	g.mu.Lock()
	g.expireLocked(now)
	g.pending[id] = pendingUpload{
		key:      key,
		accessID: accessID,
		token:    token,
		priority: priority,
		expires:  now.Add(g.ttl),
	}
	g.tokens[token] = now.Add(g.ttl)
	g.mu.Unlock()

	return g.baseURL + "/upload/" + id
}

// TakeToken consumes a callback token, reporting whether it was valid.
func (g *UploadGateway) TakeToken(token string) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	expires, ok := g.tokens[token]
	if !ok {
		return false
	}
	delete(g.tokens, token)
	return time.Now().Before(expires)
}

// Reset drops every pending upload and token. Used by obliteration.
func (g *UploadGateway) Reset() {
	g.mu.Lock()
	g.pending = make(map[string]pendingUpload)
	g.tokens = make(map[string]time.Time)
	g.mu.Unlock()
}

// PendingUploads reports how many issued URLs have not been used yet.
func (g *UploadGateway) PendingUploads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *UploadGateway) expireLocked(now time.Time) {
	for id, p := range g.pending {
		if now.After(p.expires) {
			delete(g.pending, id)
		}
	}
	for token, expires := range g.tokens {
		if now.After(expires) {
			delete(g.tokens, token)
		}
	}
}

// take claims an upload id. Ids are single use: a second request with
// the same id misses.
func (g *UploadGateway) take(id string) (pendingUpload, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return pendingUpload{}, false
	}
	delete(g.pending, id)
	if time.Now().After(p.expires) {
		return pendingUpload{}, false
	}
	return p, true
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// HandleUpload accepts the multipart POST of a previously issued
// upload URL, stores each file part and relays the finalize endpoint's
// verdict to the uploader.
func (g *UploadGateway) HandleUpload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	p, ok := g.take(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Unknown or expired upload URL.", http.StatusNotFound)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Expected a multipart upload.", http.StatusBadRequest)
		return
	}

	files, err := g.storeParts(r.Context(), p.key, mr)
	if err != nil {
		g.errorLogger.Printf("UPLOAD %s: %v", p.key, err)
		http.Error(w, "Unable to store the uploaded content.",
			http.StatusServiceUnavailable)
		return
	}

	code, body, err := g.dispatchCallback(r.Context(), p, files)
	if err != nil {
		g.errorLogger.Printf("UPLOAD %s: callback failed: %v", p.key, err)
		http.Error(w, "Unable to finalize the upload.", http.StatusInternalServerError)
		return
	}

	g.accessLogger.Printf("UPLOAD %s %d file(s) %d", p.key, len(files), code)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

// storeParts streams every file part into the bulk store. The object
// count is not policed here; the finalize endpoint rejects anything
// but exactly one file and cleans up.
func (g *UploadGateway) storeParts(ctx context.Context, key cache.EntryKey,
	mr *multipart.Reader) ([]cas.UploadedFile, error) {

	var files []cas.UploadedFile
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, err
		}
		if part.FormName() != uploadFileField {
			part.Close()
			continue
		}

		name := cas.NewBulkName(key)
		counted := &countingReader{r: part}
		err = g.bulk.Put(ctx, name, counted, -1)
		part.Close()
		if err != nil {
			return files, err
		}
		files = append(files, cas.UploadedFile{Name: name, Size: counted.n})
	}
}

// dispatchCallback reports the uploaded file infos to the finalize
// endpoint and returns its status and body.
func (g *UploadGateway) dispatchCallback(ctx context.Context, p pendingUpload,
	files []cas.UploadedFile) (int, []byte, error) {

	callback := fmt.Sprintf("%s/restricted/content/store_blobstore/%s/%s/%s",
		g.baseURL, p.key.Namespace, p.key.Digest, url.PathEscape(p.accessID))

	query := url.Values{}
	query.Set("token", p.token)
	if p.priority != "" {
		query.Set("priority", p.priority)
	}

	form := url.Values{}
	for _, f := range files {
		form.Add("file_name", f.Name)
		form.Add("file_size", strconv.FormatInt(f.Size, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		callback+"?"+query.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(GatewayHeader, "gateway")

	rsp, err := g.remote.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return 0, nil, err
	}
	return rsp.StatusCode, body, nil
}
