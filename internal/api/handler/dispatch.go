package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/gig-dispatch/internal/api/respond"
	"github.com/albapepper/gig-dispatch/internal/dispatch"
)

const maxDispatchBody = 64 << 10

// CreateDispatch creates an emergency request and notifies nearby workers.
// @Summary Dispatch an emergency request
// @Description Persists the request, matches online entitled workers within range and pushes alerts. Failures after the request is stored are reported in warning/delivery, never as an error status.
// @Tags dispatch
// @Accept json
// @Produce json
// @Param body body dispatch.Input true "Request"
// @Success 200 {object} dispatch.Result
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /api/v1/emergency/dispatch [post]
func (h *Handler) CreateDispatch(w http.ResponseWriter, r *http.Request) {
	var in dispatch.Input
	if err := decodeStrict(r.Body, &in); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be a single JSON object with known fields", err.Error())
		return
	}
	in.RequesterID = RequesterID(r.Context())

	result, err := h.dispatcher.Dispatch(r.Context(), in)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, result)
}

// RenotifyDispatch re-runs matching and delivery for a pending request.
// @Summary Re-notify an emergency request
// @Tags dispatch
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} dispatch.Result
// @Failure 401 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Failure 409 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /api/v1/emergency/dispatch/{id}/renotify [post]
func (h *Handler) RenotifyDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.dispatcher.Renotify(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrRequestNotFound) {
			respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "No dispatch request "+id)
			return
		}
		var ve *dispatch.ValidationError
		if errors.As(err, &ve) {
			respond.WriteError(w, http.StatusConflict, "NOT_PENDING", ve.Error())
			return
		}
		h.writeDispatchError(w, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, result)
}

// decodeStrict decodes exactly one JSON object with no unknown fields and
// nothing after it.
func decodeStrict(body io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxDispatchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	var ve *dispatch.ValidationError
	if errors.As(err, &ve) {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "VALIDATION_FAILED", ve.Error(), ve.Field)
		return
	}

	h.logger.Error("dispatch failed", "error", err)
	var pe *dispatch.PersistenceError
	if errors.As(err, &pe) {
		respond.WriteError(w, http.StatusInternalServerError, "PERSISTENCE_FAILED", "Failed to create emergency request")
		return
	}
	respond.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error")
}
