package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/internal/syslog"
	"github.com/discosat/satop-platform/pkg/models"
)

// LogEvent appends a user-supplied event to the system log and returns
// the triples it expanded into.
func (h *Handlers) LogEvent(w http.ResponseWriter, r *http.Request) {
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil || event.Descriptor == "" {
		apierror.Write(w, apierror.BadRequest.WithDetail("invalid event body"))
		return
	}
	triples, err := h.Syslog.LogEvent(r.Context(), event)
	if err != nil {
		apierror.Write(w, apierror.InternalError.Wrap(err))
		return
	}
	respondJSON(w, http.StatusCreated, triples)
}

// ListArtifacts lists every stored artifact record.
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	records, err := h.Syslog.List(r.Context())
	if err != nil {
		apierror.Write(w, apierror.InternalError.Wrap(err))
		return
	}
	if records == nil {
		records = []models.ArtifactRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// UploadArtifact stores a multipart file upload under its content hash.
// Re-uploading known content is not an error: the response carries the
// existing hash with a 200 instead of a 201.
func (h *Handlers) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		apierror.Write(w, apierror.BadRequest.WithDetail("request carries no file field"))
		return
	}
	defer file.Close()

	record, err := h.Syslog.Put(r.Context(), file, header.Filename)
	if errors.Is(err, syslog.ErrArtifactExists) {
		respondJSON(w, http.StatusOK, map[string]any{
			"detail": "Artifact already exists",
			"sha1":   record.SHA1,
		})
		return
	}
	if err != nil {
		apierror.Write(w, apierror.InternalError.Wrap(err))
		return
	}

	log.Info().Str("sha1", record.SHA1).Str("name", record.Name).Msg("artifact uploaded")
	w.Header().Set("Location", "/api/log/artifacts/"+record.SHA1)
	respondJSON(w, http.StatusCreated, record)
}

// GetArtifact streams the artifact content.
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	record, data, err := h.Syslog.Get(r.Context(), chi.URLParam(r, "sha1"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+record.Name+`"`)
	w.Write(data)
}
