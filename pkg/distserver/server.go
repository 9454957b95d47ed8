// Package distserver serves the current policy bundle over HTTP with
// strong ETag conditional-GET semantics and a structured health endpoint.
package distserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/noumena/policyplane/pkg/rebuild"
)

// Status values for /health.
const (
	StatusInitializing = "initializing"
	StatusDegraded     = "degraded"
	StatusHealthy      = "healthy"
)

// EventStreamState reports the SSE consumer's connectivity for /health.
type EventStreamState interface {
	Connected() bool
	LastEventAt() time.Time
}

// Server serves /bundles/<name>/data.tar.gz and /health.
type Server struct {
	served             *rebuild.Served
	bundleName         string
	stream             EventStreamState
	stalenessThreshold time.Duration
	clock              func() time.Time
}

// New constructs a Server for the given bundle name.
func New(served *rebuild.Served, bundleName string, stream EventStreamState, stalenessThreshold time.Duration) *Server {
	return &Server{served: served, bundleName: bundleName, stream: stream, stalenessThreshold: stalenessThreshold, clock: time.Now}
}

// Routes registers the server's handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/bundles/"+s.bundleName+"/data.tar.gz", s.handleBundle)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	snap := s.served.Get()
	if snap.Built == nil {
		http.Error(w, "Bundle not ready", http.StatusServiceUnavailable)
		return
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == snap.Built.ETag {
		w.Header().Set("ETag", snap.Built.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("ETag", snap.Built.ETag)
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Built.Bytes)))
	w.WriteHeader(http.StatusOK)
	w.Write(snap.Built.Bytes)
}

type healthResponse struct {
	Status                   string  `json:"status"`
	Revision                 string  `json:"revision"`
	BundleAgeSeconds         float64 `json:"bundle_age_seconds"`
	SSEConnected             bool    `json:"sse_connected"`
	LastSSEEventAt           string  `json:"last_sse_event_at,omitempty"`
	RebuildCount             int64   `json:"rebuild_count"`
	RebuildErrorCount        int64   `json:"rebuild_error_count"`
	StalenessThresholdSeconds float64 `json:"staleness_threshold_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.served.Get()
	resp := healthResponse{
		RebuildCount:              snap.RebuildCount,
		RebuildErrorCount:         snap.RebuildErrorCount,
		StalenessThresholdSeconds: s.stalenessThreshold.Seconds(),
		SSEConnected:              s.stream != nil && s.stream.Connected(),
	}

	if snap.Built == nil {
		resp.Status = StatusInitializing
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(resp)
		return
	}

	age := s.clock().Sub(snap.Built.BuiltAt)
	resp.Revision = snap.Built.Revision
	resp.BundleAgeSeconds = age.Seconds()
	if s.stream != nil && !s.stream.LastEventAt().IsZero() {
		resp.LastSSEEventAt = s.stream.LastEventAt().UTC().Format(time.RFC3339)
	}

	if age > s.stalenessThreshold {
		resp.Status = StatusDegraded
	} else {
		resp.Status = StatusHealthy
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
