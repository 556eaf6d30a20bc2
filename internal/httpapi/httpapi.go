package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/trymwestin/owletd/internal/core/api"
	"github.com/trymwestin/owletd/internal/core/state"
)

// SockCommander sends commands to a sock without importing the sock package
// directly.
type SockCommander interface {
	ControlBaseStation(ctx context.Context, dsn string, on bool) (bool, error)
	RawProperties(dsn string) (api.Properties, bool)
}

// Server is the HTTP API server.
type Server struct {
	store   state.Reader
	cmd     SockCommander
	region  api.Region
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server.
func NewServer(store state.Reader, cmd SockCommander, region api.Region, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		store:   store,
		cmd:     cmd,
		region:  region,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleGetDevices)
	s.mux.HandleFunc("GET /api/devices/{dsn}/vitals", s.handleGetVitals)
	s.mux.HandleFunc("GET /api/devices/{dsn}/raw", s.handleGetRaw)
	s.mux.HandleFunc("POST /api/devices/{dsn}/basestation", s.handleBaseStation)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	Region  api.Region `json:"region"`
	Devices int        `json:"devices"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, statusResponse{
		Region:  s.region,
		Devices: len(s.store.Snapshot()),
	})
}

func (s *Server) handleGetDevices(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()

	devices := make([]state.DeviceState, 0, len(snap))
	for _, dev := range snap {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DSN < devices[j].DSN })

	s.writeJSON(w, map[string]any{"devices": devices})
}

func (s *Server) handleGetVitals(w http.ResponseWriter, r *http.Request) {
	dsn := r.PathValue("dsn")
	dev, ok := s.store.Get(dsn)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device: "+dsn)
		return
	}
	s.writeJSON(w, dev)
}

func (s *Server) handleGetRaw(w http.ResponseWriter, r *http.Request) {
	dsn := r.PathValue("dsn")
	raw, ok := s.cmd.RawProperties(dsn)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device: "+dsn)
		return
	}
	s.writeJSON(w, raw)
}

type baseStationBody struct {
	On bool `json:"on"`
}

func (s *Server) handleBaseStation(w http.ResponseWriter, r *http.Request) {
	dsn := r.PathValue("dsn")
	if _, ok := s.store.Get(dsn); !ok {
		s.writeError(w, http.StatusNotFound, "unknown device: "+dsn)
		return
	}

	var body baseStationBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	acked, err := s.cmd.ControlBaseStation(r.Context(), dsn, body.On)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"status": "ok", "acknowledged": acked})
}
