// Package server exposes the content-addressed store over HTTP: the
// public content API, the upload gateway and the restricted task queue
// endpoints the scheduler dispatches to.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	middlewarestd "github.com/slok/go-http-metrics/middleware/std"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/cache/hashing"
	"github.com/buildhive/artifact-cache/cas"
	"github.com/buildhive/artifact-cache/taskq"
)

// maxInlineBody caps request bodies on the inline store path, which
// buffers in memory. Larger blobs must go through the upload gateway.
const maxInlineBody = 32 << 20

// retrieveMaxAge is the Cache-Control lifetime of retrieve responses.
// Content is immutable per digest, so client-side caching is safe.
const retrieveMaxAge = 43200

// durationBuckets is the buckets used for the endpoint duration
// histograms, in seconds.
var durationBuckets = []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320}

// The recorder registers its collectors globally, so the middleware is
// shared by every router built in this process.
var metricsMdlw = middleware.New(middleware.Config{
	Recorder: httpmetrics.NewRecorder(httpmetrics.Config{
		DurationBuckets: durationBuckets,
	}),
})

type httpServer struct {
	engine  *cas.Engine
	gateway *UploadGateway
	authn   Authenticator

	accessLogger cache.Logger
	errorLogger  cache.Logger
}

// NewRouter builds the service's route table around the engine.
// Public content routes pass through authn; the restricted routes
// check the task queue and gateway markers instead.
func NewRouter(engine *cas.Engine, gateway *UploadGateway, authn Authenticator,
	accessLogger, errorLogger cache.Logger) *mux.Router {

	s := &httpServer{
		engine:       engine,
		gateway:      gateway,
		authn:        authn,
		accessLogger: accessLogger,
		errorLogger:  errorLogger,
	}

	wrap := func(id string, h http.Handler) http.Handler {
		return middlewarestd.Handler(id, metricsMdlw, h)
	}
	public := func(id string, h http.HandlerFunc) http.Handler {
		return wrap(id, s.authn.Wrap(h))
	}
	queueTask := func(id string, h http.HandlerFunc) http.Handler {
		return wrap(id, s.requireMarker(taskq.QueueHeader, h))
	}

	const (
		nsPattern   = "{namespace:[A-Za-z0-9-]+}"
		hashPattern = "{hash:[a-f0-9]{4,}}"
	)

	r := mux.NewRouter()
	r.Handle("/content/contains/"+nsPattern,
		public("contains", s.handleContains)).Methods(http.MethodPost)
	r.Handle("/content/store/"+nsPattern+"/"+hashPattern,
		public("store", s.handleStore)).Methods(http.MethodPost)
	r.Handle("/content/generate_blobstore_url/"+nsPattern+"/"+hashPattern,
		public("generate_blobstore_url", s.handleGenerateURL)).Methods(http.MethodPost)
	r.Handle("/content/retrieve/"+nsPattern+"/"+hashPattern,
		public("retrieve", s.handleRetrieve)).Methods(http.MethodGet)

	r.Handle("/upload/{id}",
		wrap("upload", http.HandlerFunc(s.gateway.HandleUpload))).Methods(http.MethodPost)
	r.Handle("/restricted/content/store_blobstore/"+nsPattern+"/"+hashPattern+"/{id}",
		wrap("store_blobstore",
			s.requireMarker(GatewayHeader, s.handleStoreBlobstore))).Methods(http.MethodPost)

	r.Handle("/restricted/cleanup/trigger/{name:[a-z]+}",
		wrap("cleanup_trigger",
			http.HandlerFunc(s.handleCleanupTrigger))).Methods(http.MethodGet)
	r.Handle("/restricted/taskqueue/cleanup/{name:[a-z]+}",
		queueTask("cleanup_worker", s.handleCleanupWorker)).Methods(http.MethodPost)
	r.Handle("/restricted/taskqueue/verify/"+nsPattern+"/"+hashPattern,
		queueTask("verify_worker", s.handleVerify)).Methods(http.MethodPost)
	r.Handle("/restricted/taskqueue/tag/"+nsPattern+"/{date:[0-9]{4}-[0-9]{2}-[0-9]{2}}",
		queueTask("tag_worker", s.handleTag)).Methods(http.MethodPost)

	r.Handle("/metrics", wrap("metrics", promhttp.Handler())).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	return r
}

func (s *httpServer) logResponse(code int, r *http.Request) {
	clientAddress, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientAddress = r.RemoteAddr
	}
	s.accessLogger.Printf("%4s %d %15s %s", r.Method, code, clientAddress, r.URL.Path)
}

func (s *httpServer) writeText(w http.ResponseWriter, r *http.Request, code int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, text)
	s.logResponse(code, r)
}

func (s *httpServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *cache.Error
	if errors.As(err, &cerr) {
		http.Error(w, cerr.Text, cerr.Code)
		if cerr.Code >= 500 {
			s.errorLogger.Printf("%s %s: %s", r.Method, r.URL.Path, cerr.Text)
		}
		s.logResponse(cerr.Code, r)
		return
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "Request body too large.", http.StatusBadRequest)
		s.logResponse(http.StatusBadRequest, r)
		return
	}

	http.Error(w, "Internal server error.", http.StatusInternalServerError)
	s.errorLogger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	s.logResponse(http.StatusInternalServerError, r)
}

// requireMarker guards restricted endpoints: requests without the
// out-of-band header cannot have come from the gateway or the task
// queue dispatcher.
func (s *httpServer) requireMarker(header string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(header) == "" {
			s.writeText(w, r, http.StatusMethodNotAllowed,
				"Only internal task queue tasks can do this")
			return
		}
		h(w, r)
	}
}

func requestKey(r *http.Request) cache.EntryKey {
	vars := mux.Vars(r)
	return cache.EntryKey{Namespace: vars["namespace"], Digest: vars["hash"]}
}

// highPriority decodes the ?priority= hint; priority 0 marks a hot
// blob. Absent or unparsable values mean normal priority.
func highPriority(raw string) bool {
	priority, err := strconv.Atoi(raw)
	return err == nil && priority == 0
}

func (s *httpServer) handleContains(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInlineBody))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	response, err := s.engine.Contains(r.Context(), mux.Vars(r)["namespace"], payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(response)))
	w.Write(response)
	s.logResponse(http.StatusOK, r)
}

func (s *httpServer) handleStore(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInlineBody))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.engine.StoreInline(r.Context(), requestKey(r), body,
		highPriority(r.URL.Query().Get("priority")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeText(w, r, http.StatusOK, msg)
}

func (s *httpServer) handleGenerateURL(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	if err := cache.CheckNamespaceLength(key.Namespace); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := hashing.ForNamespace(key.Namespace).Validate(key.Digest); err != nil {
		s.writeError(w, r, &cache.Error{Code: 400, Text: err.Error()})
		return
	}

	url := s.gateway.Generate(key, s.authn.AccessID(r),
		r.URL.Query().Get("token"), r.URL.Query().Get("priority"))
	s.writeText(w, r, http.StatusOK, url)
}

func (s *httpServer) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	rc, size, err := s.engine.Retrieve(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", retrieveMaxAge))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", key.Digest))
	io.Copy(w, rc)
	s.logResponse(http.StatusOK, r)
}

func (s *httpServer) handleStoreBlobstore(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if !s.gateway.TakeToken(r.URL.Query().Get("token")) {
		s.writeText(w, r, http.StatusForbidden, "Invalid or expired upload token.")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, &cache.Error{Code: 400, Text: "Malformed form payload."})
		return
	}
	names := r.PostForm["file_name"]
	sizes := r.PostForm["file_size"]
	if len(names) != len(sizes) {
		s.writeError(w, r, &cache.Error{Code: 400, Text: "Mismatched file infos."})
		return
	}
	files := make([]cas.UploadedFile, len(names))
	for i := range names {
		size, err := strconv.ParseInt(sizes[i], 10, 64)
		if err != nil {
			s.writeError(w, r, &cache.Error{Code: 400, Text: "Malformed file size."})
			return
		}
		files[i] = cas.UploadedFile{Name: names[i], Size: size}
	}

	msg, err := s.engine.FinalizeUpload(r.Context(), requestKey(r), files,
		highPriority(r.URL.Query().Get("priority")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeText(w, r, http.StatusOK, msg)
}

func (s *httpServer) handleCleanupTrigger(w http.ResponseWriter, r *http.Request) {
	msg, err := s.engine.TriggerCleanup(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeText(w, r, http.StatusOK, msg)
}

func (s *httpServer) handleCleanupWorker(w http.ResponseWriter, r *http.Request) {
	var err error
	switch mux.Vars(r)["name"] {
	case cas.CleanupJobOld:
		_, err = s.engine.CleanupOld(r.Context())
	case cas.CleanupJobTesting:
		err = s.engine.CleanupTesting(r.Context())
	case cas.CleanupJobObliterate:
		s.gateway.Reset()
		err = s.engine.Obliterate(r.Context())
	case cas.CleanupJobOrphaned:
		err = s.engine.CleanupOrphans(r.Context())
	default:
		s.writeText(w, r, http.StatusNotFound, "Unknown job")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeText(w, r, http.StatusOK, "Done.")
}

func (s *httpServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Verify(r.Context(), requestKey(r)); err != nil {
		// Non-terminal failure; the scheduler retries the task.
		s.writeError(w, r, err)
		return
	}
	s.writeText(w, r, http.StatusOK, "Done.")
}

func (s *httpServer) handleTag(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	vars := mux.Vars(r)
	day, err := time.Parse("2006-01-02", vars["date"])
	if err != nil {
		s.writeError(w, r, &cache.Error{Code: 400, Text: "Malformed date."})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInlineBody))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.engine.Tag(r.Context(), vars["namespace"], day, payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeText(w, r, http.StatusOK, "Done.")
}

func (s *httpServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := struct {
		*cas.StatusInfo
		PendingUploads int   `json:"pending_uploads"`
		ServerTime     int64 `json:"server_time"`
	}{
		StatusInfo:     info,
		PendingUploads: s.gateway.PendingUploads(),
		ServerTime:     time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	enc.Encode(&status)
	s.logResponse(http.StatusOK, r)
}

func (s *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeText(w, r, http.StatusOK, "ok")
}

func (s *httpServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, "<html><body>artifact-cache: a content-addressed "+
		"artifact store. See /status and /metrics.</body></html>")
	s.logResponse(http.StatusOK, r)
}
