// Package chi exposes the catalog over a thin JSON HTTP surface: record
// queries, map clusters, private marks, and sync control. All reads are
// served from the local cache; no handler ever waits on the network.
package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain"
	"github.com/fieldmark/fieldmark/internal/domain/cluster"
	"github.com/fieldmark/fieldmark/internal/domain/geo"
	domquery "github.com/fieldmark/fieldmark/internal/domain/query"
	"github.com/fieldmark/fieldmark/internal/domain/record"
	"github.com/fieldmark/fieldmark/internal/geoloc"
	marksuc "github.com/fieldmark/fieldmark/internal/usecase/marks"
	queryuc "github.com/fieldmark/fieldmark/internal/usecase/query"
)

// defaultNearMeRadiusKm bounds a near_me query when the client gives no
// explicit radius.
const defaultNearMeRadiusKm = 25.0

// SyncController is the sync engine surface the transport needs.
type SyncController interface {
	RequestSync()
	Snapshot() cache.State
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server handles the HTTP API.
type Server struct {
	query         *queryuc.Service
	marks         *marksuc.Service
	syncer        SyncController
	position      geoloc.Provider
	grid          cluster.Grid
	posTimeout    time.Duration
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	query *queryuc.Service,
	marks *marksuc.Service,
	syncer SyncController,
	position geoloc.Provider,
	grid cluster.Grid,
	posTimeout time.Duration,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if posTimeout <= 0 {
		posTimeout = 5 * time.Second
	}
	s := &Server{
		query:      query,
		marks:      marks,
		syncer:     syncer,
		position:   position,
		grid:       grid,
		posTimeout: posTimeout,
		logger:     logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, "not_found"),
		sentinelHandler(domain.ErrInvalidCriteria, http.StatusBadRequest, "invalid_criteria"),
		sentinelHandler(domain.ErrSuperseded, http.StatusConflict, "superseded"),
	}
	return s
}

// Routes mounts all API routes on the router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/v1/records", s.ListRecords)
	r.Get("/v1/clusters", s.ListClusters)
	r.Post("/v1/records/{id}/marks", s.UpdateMarks)
	r.Post("/v1/sync", s.TriggerSync)
	r.Get("/v1/sync/status", s.SyncStatus)
	r.Get("/healthz", s.Health)
	r.Get("/metrics", s.Metrics)
}

type recordResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Style          string   `json:"style,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Jurisdiction   string   `json:"jurisdiction,omitempty"`
	Founded        *int     `json:"founded,omitempty"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	Visited        bool     `json:"visited"`
	Favorite       bool     `json:"favorite"`
	DistanceKm     *float64 `json:"distance_km,omitempty"`
}

type recordListResponse struct {
	Items []recordResponse `json:"items"`
	Total int              `json:"total"`
	// ProximityDegraded is set when near_me was requested but no position
	// fix was available, so the proximity filter was dropped.
	ProximityDegraded bool `json:"proximity_degraded,omitempty"`
}

// ListRecords handles GET /v1/records.
func (s *Server) ListRecords(w http.ResponseWriter, r *http.Request) {
	criteria, degraded, err := s.criteriaFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_criteria", err.Error())
		return
	}

	results, err := s.query.Evaluate(r.Context(), criteria)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]recordResponse, len(results))
	for i, res := range results {
		items[i] = recordToResponse(res)
	}
	writeJSON(w, http.StatusOK, recordListResponse{
		Items:             items,
		Total:             len(items),
		ProximityDegraded: degraded,
	})
}

type clusterResponse struct {
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	Count       int      `json:"count"`
	MemberIDs   []string `json:"member_ids"`
	BoundRadius float64  `json:"bound_radius_km"`
	Singleton   bool     `json:"singleton"`
}

type clusterListResponse struct {
	Items []clusterResponse `json:"items"`
	Zoom  int               `json:"zoom"`
}

// ListClusters handles GET /v1/clusters. The same filter parameters as
// /v1/records apply, then survivors are grouped by viewport grid cell.
func (s *Server) ListClusters(w http.ResponseWriter, r *http.Request) {
	vp, err := viewportFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_criteria", err.Error())
		return
	}

	criteria, _, err := s.criteriaFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_criteria", err.Error())
		return
	}

	results, err := s.query.Evaluate(r.Context(), criteria)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	records := make([]record.Record, len(results))
	for i, res := range results {
		records[i] = res.Record
	}

	clusters := s.grid.Build(records, vp)
	items := make([]clusterResponse, len(clusters))
	for i, c := range clusters {
		items[i] = clusterResponse{
			Lat:         c.Centroid.Lat,
			Lon:         c.Centroid.Lon,
			Count:       len(c.MemberIDs),
			MemberIDs:   c.MemberIDs,
			BoundRadius: c.BoundRadius,
			Singleton:   c.Singleton(),
		}
	}
	writeJSON(w, http.StatusOK, clusterListResponse{Items: items, Zoom: vp.Zoom})
}

type marksRequest struct {
	Visited  *bool `json:"visited"`
	Favorite *bool `json:"favorite"`
}

// UpdateMarks handles POST /v1/records/{id}/marks.
func (s *Server) UpdateMarks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req marksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	if req.Visited == nil && req.Favorite == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "at least one of visited, favorite is required")
		return
	}

	rec, err := s.marks.Apply(r.Context(), id, marksuc.Update{
		Visited:  req.Visited,
		Favorite: req.Favorite,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recordToResponse(queryuc.Result{Record: rec, DistanceKm: -1}))
}

// TriggerSync handles POST /v1/sync. The sync runs in the background; 202
// acknowledges the request without waiting for the cycle.
func (s *Server) TriggerSync(w http.ResponseWriter, _ *http.Request) {
	s.syncer.RequestSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

type syncStatusResponse struct {
	Mode           string     `json:"mode"`
	LastFullSyncAt *time.Time `json:"last_full_sync_at,omitempty"`
	PendingPushes  int        `json:"pending_pushes"`
	DeviceID       string     `json:"device_id"`
}

// SyncStatus handles GET /v1/sync/status.
func (s *Server) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.syncer.Snapshot()
	resp := syncStatusResponse{
		Mode:          string(state.Mode),
		PendingPushes: len(state.PendingPushes),
		DeviceID:      state.DeviceID,
	}
	if !state.LastFullSyncAt.IsZero() {
		at := state.LastFullSyncAt.UTC()
		resp.LastFullSyncAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz. The service is healthy whenever the local
// cache is usable; the remote being down only means offline mode.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"mode":   string(s.syncer.Snapshot().Mode),
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// criteriaFromQuery parses filter parameters. near_me=true resolves the
// device position; a failed fix degrades to no proximity filter (and a name
// sort if distance was requested) instead of failing the query.
func (s *Server) criteriaFromQuery(r *http.Request) (domquery.Criteria, bool, error) {
	q := r.URL.Query()
	spec := domquery.Spec{
		Styles:          splitParam(q.Get("styles")),
		Classifications: splitParam(q.Get("classifications")),
		Jurisdictions:   splitParam(q.Get("jurisdictions")),
		Text:            q.Get("q"),
	}

	var err error
	if spec.YearMin, err = intParam(q.Get("year_min")); err != nil {
		return domquery.Criteria{}, false, err
	}
	if spec.YearMax, err = intParam(q.Get("year_max")); err != nil {
		return domquery.Criteria{}, false, err
	}

	sortKey, err := domquery.ParseSortKey(q.Get("sort"))
	if err != nil {
		return domquery.Criteria{}, false, err
	}
	spec.Sort = sortKey

	radius := defaultNearMeRadiusKm
	if raw := q.Get("radius_km"); raw != "" {
		if radius, err = strconv.ParseFloat(raw, 64); err != nil {
			return domquery.Criteria{}, false, errors.New("radius_km must be a number")
		}
	}

	degraded := false
	switch {
	case q.Get("near_me") == "true":
		coord, posErr := s.position.CurrentPosition(r.Context(), s.posTimeout)
		if posErr != nil {
			s.logger.Info("position unavailable, degrading proximity", zap.Error(posErr))
			degraded = true
			if spec.Sort == domquery.SortDistance {
				spec.Sort = domquery.SortName
			}
			break
		}
		spec.Proximity = &domquery.Proximity{Center: coord, RadiusKm: radius}
	case q.Get("lat") != "" || q.Get("lon") != "":
		lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
		lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
		if latErr != nil || lonErr != nil {
			return domquery.Criteria{}, false, errors.New("lat and lon must both be numbers")
		}
		center, coordErr := geo.NewCoordinate(lat, lon)
		if coordErr != nil {
			return domquery.Criteria{}, false, coordErr
		}
		spec.Proximity = &domquery.Proximity{Center: center, RadiusKm: radius}
	}

	criteria, err := domquery.NewCriteria(spec)
	if err != nil {
		return domquery.Criteria{}, false, err
	}
	return criteria, degraded, nil
}

func viewportFromQuery(r *http.Request) (cluster.Viewport, error) {
	q := r.URL.Query()
	parse := func(name string) (float64, error) {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			return 0, errors.New(name + " must be a number")
		}
		return v, nil
	}
	minLat, err := parse("min_lat")
	if err != nil {
		return cluster.Viewport{}, err
	}
	minLon, err := parse("min_lon")
	if err != nil {
		return cluster.Viewport{}, err
	}
	maxLat, err := parse("max_lat")
	if err != nil {
		return cluster.Viewport{}, err
	}
	maxLon, err := parse("max_lon")
	if err != nil {
		return cluster.Viewport{}, err
	}
	zoom, err := strconv.Atoi(q.Get("zoom"))
	if err != nil {
		return cluster.Viewport{}, errors.New("zoom must be an integer")
	}
	return cluster.NewViewport(minLat, minLon, maxLat, maxLon, zoom)
}

func recordToResponse(res queryuc.Result) recordResponse {
	shared := res.Record.Shared()
	out := recordResponse{
		ID:             res.Record.ID(),
		Name:           shared.Name,
		Description:    shared.Description,
		Style:          shared.Style,
		Classification: shared.Classification,
		Jurisdiction:   shared.Jurisdiction,
		Founded:        shared.Founded,
		Visited:        res.Record.Private().Visited,
		Favorite:       res.Record.Private().Favorite,
	}
	if coord := res.Record.Coord(); coord != nil {
		lat, lon := coord.Lat, coord.Lon
		out.Lat, out.Lon = &lat, &lon
	}
	if res.HasDistance() {
		d := res.DistanceKm
		out.DistanceKm = &d
	}
	return out
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func intParam(raw string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.New("year bounds must be integers")
	}
	return &v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrNotFound,
		domain.ErrInvalidCriteria,
		domain.ErrSuperseded,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
