package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-cast/internal/session"
)

// deviceView is the JSON form of a device.
type deviceView struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Address     string         `json:"address"`
	Description string         `json:"description,omitempty"`
	Connection  string         `json:"connection"`
	Registered  bool           `json:"registered"`
	MediaApp    string         `json:"media_app,omitempty"`
	Properties  map[string]any `json:"properties"`
}

func viewOf(d *session.Device) deviceView {
	snap := d.Snapshot()
	props := make(map[string]any, len(snap.Properties))
	for p, v := range snap.Properties {
		props[string(p)] = v
	}
	return deviceView{
		ID:          snap.ID,
		Title:       snap.Title,
		Address:     snap.Address,
		Description: snap.Description,
		Connection:  snap.State,
		Registered:  snap.Registered,
		MediaApp:    snap.MediaApp,
		Properties:  props,
	}
}

// handleListDevices returns all devices sorted by id.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	list := s.devices.List()
	views := make([]deviceView, 0, len(list))
	for _, d := range list {
		views = append(views, viewOf(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// handleGetDevice returns a single device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.devices.Get(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

// writePropertyRequest is the body of a property write.
type writePropertyRequest struct {
	Value any `json:"value"`
}

// handleWriteProperty writes one property on the receiver. On success the
// bridge republishes the device state so the hub sees the new value.
func (s *Server) handleWriteProperty(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.devices.Get(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}

	p, err := session.ParseProperty(chi.URLParam(r, "name"))
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	var req writePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
		case errors.Is(err, io.EOF):
			writeBadRequest(w, "request body is required")
		default:
			writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		}
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	if err := d.WriteProperty(r.Context(), p, req.Value); err != nil {
		s.logger.Warn("property write failed",
			"device_id", id,
			"property", p,
			"error", err,
			"request_id", requestID(r.Context()))
		writeDeviceError(w, err)
		return
	}

	if s.bridge != nil {
		s.bridge.Refresh(d)
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}
