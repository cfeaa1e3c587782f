package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/internal/gs"
	pkgmw "github.com/discosat/satop-platform/pkg/middleware"
)

func stationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "stationID"))
	if err != nil {
		return uuid.Nil, apierror.NotFound.WithDetail("unknown groundstation")
	}
	return id, nil
}

// ListStations lists the currently connected groundstations.
func (h *Handlers) ListStations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Connector.Stations())
}

// SendControl forwards a control payload to one station and relays the
// correlated response. Busy or disconnected stations give 503, an
// unresponsive or failing station 502.
func (h *Handlers) SendControl(w http.ResponseWriter, r *http.Request) {
	id, err := stationID(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		apierror.Write(w, apierror.BadRequest.WithDetail("invalid control body"))
		return
	}

	response, err := h.Connector.SendControl(r.Context(), id, payload, pkgmw.UserID(r.Context()))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	respondJSON(w, http.StatusOK, response)
}

// SendControlFramed sends a multi-frame control message: the "frames"
// field of the body is lifted out and sent as individual frames after
// the announcing header.
func (h *Handlers) SendControlFramed(w http.ResponseWriter, r *http.Request) {
	id, err := stationID(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierror.Write(w, apierror.BadRequest.WithDetail("invalid control body"))
		return
	}

	frames, _ := body["frames"].([]any)
	delete(body, "frames")
	content := gs.FramedContent{Frames: frames, HeaderData: body}

	user := pkgmw.UserID(r.Context())
	response, err := h.Connector.SendToGS(r.Context(), id, content, &gs.ProxyHeader{
		Origin:            "control_frame",
		AuthenticatedUser: user.String(),
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}
	log.Debug().Stringer("gs", id).Int("frames", len(frames)).Msg("framed control delivered")
	respondJSON(w, http.StatusOK, response)
}

// StationMethods is the control shortcut asking a station for its
// supported methods.
func (h *Handlers) StationMethods(w http.ResponseWriter, r *http.Request) {
	id, err := stationID(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	response, err := h.Connector.SendControl(r.Context(), id, map[string]any{"type": "/methods"}, pkgmw.UserID(r.Context()))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	respondJSON(w, http.StatusOK, response)
}

// ListTerminals lists every terminal announced by connected stations.
func (h *Handlers) ListTerminals(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Connector.Terminals())
}

// StationWS upgrades the groundstation-facing websocket. Authentication
// happens inside the hello handshake, not via bearer headers.
func (h *Handlers) StationWS(w http.ResponseWriter, r *http.Request) {
	h.Connector.HandleStation(w, r)
}

// TerminalWS upgrades an operator terminal attachment.
func (h *Handlers) TerminalWS(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "stationID"))
	if err != nil {
		apierror.Write(w, apierror.NotFound.WithDetail("unknown groundstation"))
		return
	}
	h.Connector.HandleTerminalAttach(w, r, id, chi.URLParam(r, "terminalID"))
}
