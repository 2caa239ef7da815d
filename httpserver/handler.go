package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/JingOS-team/storaged/interfaces"
	"github.com/JingOS-team/storaged/storageaccess"
)

// maxBodySize is the maximum allowed request body size.
const maxBodySize = 64 * 1024

// eventStreamBuffer is the per-subscriber event buffer; events beyond it
// are dropped rather than blocking the controllers.
const eventStreamBuffer = 32

// AccessService is the slice of the storage access manager the handler
// needs.
type AccessService interface {
	Devices(ctx context.Context) ([]storageaccess.DeviceStatus, error)
	Setup(ctx context.Context, id interfaces.DeviceID) (bool, error)
	Teardown(ctx context.Context, id interfaces.DeviceID) (bool, error)
	Subscribe(buffer int) (<-chan interfaces.Event, func())
}

// Handler processes HTTP requests for the storaged control surface.
type Handler struct {
	service AccessService
	log     *slog.Logger
}

// NewHandler creates a handler backed by the given service.
func NewHandler(service AccessService, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, log: log}
}

// deviceRequest is the body of setup/teardown requests.
type deviceRequest struct {
	Device interfaces.DeviceID `json:"device"`
}

// HandleDevices lists known devices with their accessibility.
func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.service.Devices(r.Context())
	if err != nil {
		h.log.Error("listing devices failed", "err", err)
		writeError(w, http.StatusInternalServerError, "listing devices failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// HandleSetup accepts a setup request: 202 accepted, 409 when another
// operation is in progress, 404 for unknown devices.
func (h *Handler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	h.handleOperation(w, r, h.service.Setup)
}

// HandleTeardown accepts a teardown request with HandleSetup's semantics.
func (h *Handler) HandleTeardown(w http.ResponseWriter, r *http.Request) {
	h.handleOperation(w, r, h.service.Teardown)
}

func (h *Handler) handleOperation(w http.ResponseWriter, r *http.Request, op func(context.Context, interfaces.DeviceID) (bool, error)) {
	var req deviceRequest
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil || req.Device.IsZero() {
		writeError(w, http.StatusBadRequest, "request body must carry a device id")
		return
	}

	accepted, err := op(r.Context(), req.Device)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown device %q", req.Device))
		return
	}
	if !accepted {
		writeError(w, http.StatusConflict, "another operation is in progress for this device")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleEvents streams lifecycle events as server-sent events until the
// client disconnects.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsubscribe := h.service.Subscribe(eventStreamBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("encoding event failed", "err", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
