// Package server exposes the read and control HTTP API plus the WebSocket
// stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/view"
)

type Tracker interface {
	Vehicles() []fleet.VehicleSnapshot
}

type Player interface {
	State() fleet.PlaybackFrame
	Route() []fleet.RoutePoint
	Play()
	Pause()
	Seek(t float64)
	SetSpeed(x float64) error
}

type Orchestrator interface {
	Frame() fleet.ViewFrame
	Select(ctx context.Context, vehicleID string) error
}

type Server struct {
	tracker Tracker
	player  Player
	view    Orchestrator
	stream  http.Handler
}

// New wires the API. stream may be nil, which disables /ws.
func New(tracker Tracker, player Player, orch Orchestrator, stream http.Handler) *Server {
	return &Server{tracker: tracker, player: player, view: orch, stream: stream}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/vehicles", s.vehicles)
	mux.HandleFunc("GET /api/view", s.viewFrame)
	mux.HandleFunc("GET /api/playback", s.playback)
	mux.HandleFunc("GET /api/playback/route", s.route)
	mux.HandleFunc("POST /api/select", s.selectVehicle)
	mux.HandleFunc("POST /api/playback/play", s.play)
	mux.HandleFunc("POST /api/playback/pause", s.pause)
	mux.HandleFunc("POST /api/playback/seek", s.seek)
	mux.HandleFunc("POST /api/playback/speed", s.speed)
	if s.stream != nil {
		mux.Handle("GET /ws", s.stream)
	}
	return withLogging(mux)
}

// Serve starts the API on addr in the background.
func (s *Server) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()
	log.Printf("http api listening on %s", addr)
	return srv
}

func (s *Server) vehicles(w http.ResponseWriter, r *http.Request) {
	vs := s.tracker.Vehicles()
	if vs == nil {
		vs = []fleet.VehicleSnapshot{}
	}
	writeJSON(w, http.StatusOK, fleet.VehiclesFrame{Vehicles: vs, At: time.Now()})
}

func (s *Server) viewFrame(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view.Frame())
}

func (s *Server) playback(w http.ResponseWriter, r *http.Request) {
	st := s.player.State()
	if st.VehicleID == "" {
		writeError(w, http.StatusNotFound, "no route selected")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// route returns the loaded polyline so the client can draw it under the runner.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if s.player.State().VehicleID == "" {
		writeError(w, http.StatusNotFound, "no route selected")
		return
	}
	writeJSON(w, http.StatusOK, s.player.Route())
}

func (s *Server) selectVehicle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("vehicle"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "vehicle is required")
		return
	}
	if err := s.view.Select(r.Context(), id); err != nil {
		if errors.Is(err, view.ErrSuperseded) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) play(w http.ResponseWriter, r *http.Request) {
	s.player.Play()
	writeJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.player.Pause()
	writeJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) seek(w http.ResponseWriter, r *http.Request) {
	t, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "t must be a number in [0,1]")
		return
	}
	s.player.Seek(t)
	writeJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) speed(w http.ResponseWriter, r *http.Request) {
	x, err := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "x must be a positive number")
		return
	}
	if err := s.player.SetSpeed(x); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.player.State())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			log.Printf("%s %s", r.Method, r.URL.Path)
		}
		h.ServeHTTP(w, r)
	})
}
