package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/scp-archive/internal/identifier"
	"github.com/renderinc/scp-archive/internal/query"
	"github.com/renderinc/scp-archive/internal/retention"
	"github.com/renderinc/scp-archive/internal/storage"
	"github.com/renderinc/scp-archive/internal/sync"
)

// IngestFunc runs one ingest of the configured upstream source
type IngestFunc func(ctx context.Context, opts sync.Options) (*sync.Outcome, error)

// Pruner drops old versions on request
type Pruner interface {
	Prune(ctx context.Context, p retention.Policy) (*storage.PruneResult, error)
	Policy() retention.Policy
}

type Server struct {
	layer       *query.Layer
	db          *storage.DB
	ingest      IngestFunc
	pruner      Pruner
	corsOrigins []string
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Suggestions []string       `json:"suggestions"`
	Context     map[string]any `json:"context"`
}

// NewServer creates the API server. ingest and pruner may be nil, which
// disables the matching endpoints.
func NewServer(layer *query.Layer, db *storage.DB, ingest IngestFunc, pruner Pruner, corsOrigins []string) *Server {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Server{layer: layer, db: db, ingest: ingest, pruner: pruner, corsOrigins: corsOrigins}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/items", s.handleList)
	mux.HandleFunc("GET /api/items/{id}", s.handleGetItem)
	mux.HandleFunc("GET /api/items/{id}/content", s.handleGetContent)
	mux.HandleFunc("GET /api/items/{id}/related", s.handleRelated)
	mux.HandleFunc("GET /api/random", s.handleRandom)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/versions", s.handleVersions)
	mux.HandleFunc("POST /api/versions/prune", s.handlePrune)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("GET /health", s.handleHealth)

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	pin, err := parsePin(r)
	if err != nil {
		writeError(w, err)
		return
	}

	include, err := parseBool(r, "include_content")
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.layer.Lookup(r.Context(), r.PathValue("id"), pin)
	if err != nil {
		writeError(w, err)
		return
	}
	if !include {
		res = res.WithoutContent()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	req, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	hubs := true
	if r.URL.Query().Has("include_hubs") {
		if hubs, err = parseBool(r, "include_hubs"); err != nil {
			writeError(w, err)
			return
		}
	}

	res, err := s.layer.Related(r.Context(), query.RelatedRequest{
		Identifier:  r.PathValue("id"),
		IncludeHubs: hubs,
		Limit:       req.limit,
		Pin:         req.pin,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	req, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var seed uint64
	if v := r.URL.Query().Get("seed"); v != "" {
		if seed, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, badRequest("seed must be a non-negative integer"))
			return
		}
	}

	res, err := s.layer.Random(r.Context(), query.RandomRequest{Filter: req.filter, Seed: seed, Pin: req.pin})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	pin, err := parsePin(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.layer.Content(r.Context(), r.PathValue("id"), pin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	req, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := s.layer.List(r.Context(), query.ListRequest{
		Filter: req.filter, Limit: req.limit, Cursor: req.cursor, Pin: req.pin,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := s.layer.Search(r.Context(), query.SearchRequest{
		Query:  r.URL.Query().Get("q"),
		Filter: req.filter,
		Limit:  req.limit,
		Cursor: req.cursor,
		Pin:    req.pin,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.layer.Versions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type pruneRequest struct {
	Keep *int `json:"keep"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if s.pruner == nil {
		writeJSON(w, http.StatusNotImplemented, newError("internal", "pruning is not configured"))
		return
	}

	policy := s.pruner.Policy()
	if r.ContentLength != 0 {
		var req pruneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, badRequest("invalid JSON body: "+err.Error()))
			return
		}
		if req.Keep != nil {
			if *req.Keep < 1 {
				writeError(w, badRequest("keep must be at least 1"))
				return
			}
			policy.Keep = *req.Keep
		}
	}

	res, err := s.pruner.Prune(r.Context(), policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ingestRequest struct {
	Items  []string `json:"items"`
	Range  string   `json:"range"`
	Random int      `json:"random"`
	Seed   uint64   `json:"seed"`
	Commit string   `json:"commit"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeJSON(w, http.StatusNotImplemented, newError("internal", "no upstream source configured"))
		return
	}

	var req ingestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, badRequest("invalid JSON body: "+err.Error()))
			return
		}
	}

	out, err := s.ingest(r.Context(), sync.Options{
		Commit: req.Commit,
		Selector: sync.Selector{
			Identifiers: req.Items,
			Range:       req.Range,
			Random:      req.Random,
			Seed:        req.Seed,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.layer.Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}

	resp := map[string]any{
		"status":   "ok",
		"items":    stats.Items,
		"versions": stats.Versions,
	}
	if stats.Latest != nil {
		resp["version"] = stats.Latest.Number
		resp["dataset_commit"] = stats.Latest.DatasetCommit
	}
	writeJSON(w, http.StatusOK, resp)
}

type pageParams struct {
	filter storage.Filter
	limit  int
	cursor string
	pin    query.Pin
}

// requestError is a malformed query parameter or body
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

func parsePin(r *http.Request) (query.Pin, error) {
	q := r.URL.Query()
	pin := query.Pin{Commit: q.Get("commit")}
	if v := q.Get("version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return pin, badRequest("version must be a positive integer")
		}
		pin.Version = n
	}
	return pin, nil
}

func parseBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest(name + " must be true or false")
	}
	return b, nil
}

func parsePage(r *http.Request) (*pageParams, error) {
	q := r.URL.Query()

	pin, err := parsePin(r)
	if err != nil {
		return nil, err
	}
	p := &pageParams{
		pin:    pin,
		cursor: q.Get("cursor"),
		filter: storage.Filter{Series: q.Get("series"), Tags: q["tag"]},
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, badRequest("limit must be a positive integer")
		}
		p.limit = n
	}
	if v := q.Get("min_rating"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, badRequest("min_rating must be an integer")
		}
		p.filter.MinRating = &n
	}
	return p, nil
}

func newError(code, msg string) *ErrorResponse {
	return &ErrorResponse{Code: code, Message: msg, Suggestions: []string{}, Context: map[string]any{}}
}

// writeError maps an error to its status code and ErrorResponse
func writeError(w http.ResponseWriter, err error) {
	var (
		status   int
		resp     *ErrorResponse
		notFound *query.NotFoundError
		stale    *query.StaleError
		reqErr   *requestError
	)

	switch {
	case errors.As(err, &reqErr):
		status, resp = http.StatusBadRequest, newError("invalid_request", reqErr.msg)
	case errors.Is(err, identifier.ErrInvalidIdentifier):
		status, resp = http.StatusBadRequest, newError("invalid_identifier", err.Error())
	case errors.Is(err, sync.ErrNoMatch):
		status, resp = http.StatusBadRequest, newError("invalid_request", err.Error())
	case errors.Is(err, query.ErrNoMatch):
		status, resp = http.StatusNotFound, newError("not_found", err.Error())
	case errors.As(err, &notFound):
		status, resp = http.StatusNotFound, newError("not_found", err.Error())
		resp.Suggestions = append(resp.Suggestions, notFound.Suggestions...)
		resp.Context["link"] = notFound.Link
		resp.Context["version"] = notFound.Version
		resp.Context["dataset_commit"] = notFound.DatasetCommit
	case errors.As(err, &stale):
		code := "stale_version"
		if errors.Is(err, query.ErrStaleCursor) {
			code = "stale_cursor"
		}
		status, resp = http.StatusConflict, newError(code, err.Error())
		resp.Context["requested_version"] = stale.Requested
		if stale.LatestVersion != 0 {
			resp.Context["latest_version"] = stale.LatestVersion
			resp.Context["latest_commit"] = stale.LatestCommit
		}
	case errors.Is(err, query.ErrInvalidCursor):
		status, resp = http.StatusBadRequest, newError("invalid_cursor", err.Error())
	case errors.Is(err, sync.ErrIngestInProgress):
		status, resp = http.StatusConflict, newError("ingest_in_progress", err.Error())
	case errors.Is(err, query.ErrEmptyArchive):
		status, resp = http.StatusNotFound, newError("empty_archive", err.Error())
	default:
		logrus.Errorf("Request failed: %v", err)
		status, resp = http.StatusInternalServerError, newError("internal", "internal error")
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Encode response: %v", err)
	}
}
