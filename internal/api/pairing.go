package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// startPairingRequest is the optional body of POST /pairing.
type startPairingRequest struct {
	// Timeout in seconds; zero uses the configured default.
	Timeout float64 `json:"timeout"`
}

func (s *Server) handleGetPairing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.PairingStatus())
}

// handleStartPairing opens the pairing window and replays known services.
func (s *Server) handleStartPairing(w http.ResponseWriter, r *http.Request) {
	var req startPairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Timeout < 0 {
		writeBadRequest(w, "timeout must not be negative")
		return
	}

	status := s.devices.StartPairing(time.Duration(req.Timeout * float64(time.Second)))
	s.logger.Info("pairing started via API", "deadline", status.Deadline)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelPairing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.CancelPairing())
}
