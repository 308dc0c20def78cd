package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
)

// handleListDevices returns all devices, optionally filtered by kind or
// status query parameters.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" {
		if _, err := mihome.ParseKind(kind); err != nil {
			writeError(w, r, http.StatusBadRequest, CodeInvalidFilter, err.Error())
			return
		}
	}
	status := r.URL.Query().Get("status")

	devices := make([]mihome.DeviceView, 0)
	for _, d := range s.devices.Devices() {
		if kind != "" && !matchesKind(d.Kind, kind) {
			continue
		}
		if status != "" && string(d.Status) != status {
			continue
		}
		devices = append(devices, d)
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one device with its channel values.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, ok := s.devices.Device(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeDeviceNotFound, "no device with sid "+id)
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleDeviceStats returns device counts overall and per status.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	managed, online := s.devices.DeviceCounts()

	byStatus := make(map[mihome.Status]int)
	byKind := make(map[mihome.Kind]int)
	for _, d := range s.devices.Devices() {
		byStatus[d.Status]++
		byKind[d.Kind]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     managed,
		"online":    online,
		"by_status": byStatus,
		"by_kind":   byKind,
	})
}

func matchesKind(have mihome.Kind, want string) bool {
	k, err := mihome.ParseKind(want)
	return err == nil && k == have
}
