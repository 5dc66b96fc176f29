package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bcilibrelab/streamrec/internal/config"
	"github.com/bcilibrelab/streamrec/internal/recorder"
	"github.com/bcilibrelab/streamrec/internal/service"
	"github.com/bcilibrelab/streamrec/internal/trigger"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// markerBuffer is the per-client marker queue of the websocket stream.
const markerBuffer = 64

// Server represents the HTTP control plane of a streamrec service
type Server struct {
	service    service.Service
	configFile string
	port       string

	mu            sync.RWMutex
	activeProfile string
	limiter       *rate.Limiter
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string              `json:"status"`
	Message       string              `json:"message,omitempty"`
	Recording     recorder.Status     `json:"recording"`
	Config        *ResolvedConfigInfo `json:"resolved_config"`
	ActiveProfile string              `json:"active_profile"`
	Subscribers   int                 `json:"marker_subscribers"`
}

// ResolvedConfigInfo contains the configuration a session would start with
type ResolvedConfigInfo struct {
	ActiveProfile string   `json:"active_profile"`
	RecordDir     string   `json:"record_dir"`
	Format        string   `json:"format"`
	Backend       string   `json:"backend"`
	Amplifiers    []string `json:"amplifiers"`
	AmpFilter     string   `json:"amp_filter,omitempty"`
	Trigger       string   `json:"trigger"`
	TriggerDelay  int      `json:"trigger_delay_ms"`
	Publisher     string   `json:"publisher"`
}

// TriggerRequest is the body of POST /trigger
type TriggerRequest struct {
	Value *int `json:"value"`
}

// ProfileSelectRequest is the body of POST /config/select
type ProfileSelectRequest struct {
	Profile string `json:"profile"`
}

// New creates a new server instance from a configuration file
func New(configFile string, port string) (*Server, error) {
	// Load configuration with active profile from config file
	cfg, err := config.LoadWithProfile(configFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if port == "" {
		port = cfg.Server.Port
	}
	return NewWithService(service.New(cfg, configFile, nil), configFile, port), nil
}

// NewWithService creates a server around an existing service.
func NewWithService(svc service.Service, configFile, port string) *Server {
	cfg := svc.GetConfig()
	return &Server{
		service:       svc,
		configFile:    configFile,
		port:          port,
		activeProfile: cfg.Inheritance.Profile,
		limiter:       newLimiter(cfg.Server),
	}
}

func newLimiter(sc config.ServerConfig) *rate.Limiter {
	if sc.TriggerRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := sc.TriggerBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(sc.TriggerRate), burst)
}

// Handler returns the routes of the control plane.
func (s *Server) Handler() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Recoverer)

	root.Get("/status", s.handleStatus)
	root.Post("/start", s.handleStartRecording)
	root.Post("/stop", s.handleStopRecording)
	root.Post("/trigger", s.handleTrigger)
	root.Get("/streams", s.handleStreams)
	root.Get("/recordings", s.handleRecordings)
	root.Post("/config/select", s.handleSelectProfile)
	root.Get("/markers", s.handleMarkers)
	root.Handle("/metrics", promhttp.Handler())

	root.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path, "method", r.Method)
	})
	return root
}

// Start serves until ctx is cancelled, then shuts down gracefully and
// releases the service.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Get local IP address
	localIP := getLocalIP()

	slog.Info("Starting streamrec control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.service.Close()
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down control server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if closeErr := s.service.Close(); closeErr != nil {
		slog.Error("Closing service failed", "error", closeErr)
	}
	return err
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.service.GetRecordingStatus()

	response := StatusResponse{
		Status:        strings.ToUpper(status.State),
		Message:       s.generateStatusMessage(status),
		Recording:     status,
		Config:        s.getResolvedConfigInfo(),
		ActiveProfile: s.profile(),
		Subscribers:   s.service.Hub().Subscribers(),
	}
	writeJSON(w, http.StatusOK, response)
}

// handleStartRecording starts a session (Idle -> Running)
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	slog.Info("Server: starting recording")
	sess, err := s.service.StartRecording(r.Context())
	if err != nil {
		var permErr *recorder.PermissionError
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, service.ErrAlreadyRecording):
			status = http.StatusConflict
		case errors.Is(err, recorder.ErrConfiguration):
			status = http.StatusBadRequest
		case errors.As(err, &permErr):
			status = http.StatusForbidden
		}
		s.sendErrorResponse(w, status, fmt.Sprintf("Failed to start recording: %v", err), "operation", "start_recording")
		return
	}
	slog.Info("Server: recording started", "session", sess.ID, "dir", sess.Dir)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message":    "Recording started",
		"session_id": sess.ID,
		"event_file": sess.EventFile,
		"data_files": sess.DataFiles(),
	})
}

// handleStopRecording stops the current recording session and waits for
// its files
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.service.StopRecording()
	if errors.Is(err, recorder.ErrNotRecording) {
		s.sendErrorResponse(w, http.StatusConflict, "No recording in progress", "operation", "stop_recording")
		return
	}

	response := map[string]interface{}{
		"success":   err == nil,
		"message":   "Recording stopped",
		"artifacts": artifacts,
	}
	if err != nil {
		// Some raw artifacts failed; the others were written.
		response["error"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleTrigger signals a value on the configured trigger
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		s.sendErrorResponse(w, http.StatusBadRequest, `Request body must be {"value": <int>}`, "operation", "trigger")
		return
	}

	s.mu.RLock()
	limiter := s.limiter
	s.mu.RUnlock()
	if !limiter.Allow() {
		s.sendErrorResponse(w, http.StatusTooManyRequests, "Trigger rate limit exceeded", "value", *req.Value)
		return
	}

	ok, err := s.service.Trigger(*req.Value)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, trigger.ErrRejectedSignal):
			status = http.StatusConflict
		case errors.Is(err, recorder.ErrNotRecording):
			status = http.StatusConflict
		case errors.Is(err, service.ErrNoTrigger):
			status = http.StatusBadRequest
		case errors.Is(err, trigger.ErrDeviceUnavailable):
			status = http.StatusServiceUnavailable
		}
		s.sendErrorResponse(w, status, err.Error(), "value", *req.Value, "operation", "trigger")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  ok,
		"value":    *req.Value,
		"accepted": ok,
	})
}

// handleStreams lists the amplifier streams of the configured backend
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.service.Streams(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list streams: %v", err), "operation", "streams")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams":     streams,
		"total_count": len(streams),
	})
}

// handleRecordings lists the raw artifacts of the record directory
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list recordings: %v", err), "operation", "recordings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordings":       recordings,
		"total_count":      len(recordings),
		"record_directory": s.service.GetConfig().Recorder.Directory,
	})
}

// handleSelectProfile switches the active profile for the next sessions
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "select_profile")
		return
	}

	if err := s.service.LoadProfile(req.Profile); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, service.ErrAlreadyRecording) {
			status = http.StatusConflict
		}
		s.sendErrorResponse(w, status, err.Error(), "profile", req.Profile, "operation", "select_profile")
		return
	}

	cfg := s.service.GetConfig()
	s.mu.Lock()
	s.activeProfile = req.Profile
	s.limiter = newLimiter(cfg.Server)
	s.mu.Unlock()
	slog.Info("Profile selected", "profile", req.Profile)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile '%s' selected", req.Profile),
		"profile": req.Profile,
	})
}

// handleMarkers streams published markers to a websocket client as JSON.
func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("Marker websocket accept failed", "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	markers, cancel := s.service.Hub().Subscribe(markerBuffer)
	defer cancel()
	slog.Debug("Marker subscriber connected", "remote", r.RemoteAddr)

	// Clients only listen; CloseRead handles their control frames.
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case m, ok := <-markers:
			if !ok {
				c.Close(websocket.StatusGoingAway, "marker hub closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c, m)
			wcancel()
			if err != nil {
				slog.Debug("Marker subscriber gone", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (s *Server) profile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeProfile
}

func (s *Server) getResolvedConfigInfo() *ResolvedConfigInfo {
	cfg := s.service.GetConfig()
	info := &ResolvedConfigInfo{
		ActiveProfile: s.profile(),
		RecordDir:     cfg.Recorder.Directory,
		Format:        cfg.Recorder.Format,
		Backend:       cfg.Receiver.Backend,
		Trigger:       cfg.Trigger.Type,
		TriggerDelay:  cfg.Trigger.DelayMs,
		Publisher:     cfg.Publisher.Type,
	}
	for _, amp := range cfg.Receiver.Amplifiers {
		info.Amplifiers = append(info.Amplifiers, amp.Name)
	}
	if cfg.Receiver.Backend == "replay" {
		info.Amplifiers = append(info.Amplifiers, cfg.Receiver.ReplayFiles...)
	}
	if f := cfg.Amplifier; f.AmpName != "" || f.AmpSerial != "" || f.EEGOnly {
		info.AmpFilter = fmt.Sprintf("name=%s serial=%s eeg_only=%v", f.AmpName, f.AmpSerial, f.EEGOnly)
	}
	return info
}

func (s *Server) generateStatusMessage(status recorder.Status) string {
	switch status.State {
	case recorder.StateIdle.String():
		return "Ready to record"
	case recorder.StateRunning.String():
		return fmt.Sprintf("Recording %s (%.1f s buffered)", strings.Join(status.Amplifiers, ", "), status.BufferedSeconds)
	case recorder.StateStopRequested.String():
		return "Stopping, writing files"
	case recorder.StateStopped.String():
		if lastErr := s.service.GetLastError(); lastErr != "" {
			return lastErr
		}
		return "Recording finished"
	}
	return ""
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Writing response failed", "error", err)
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
