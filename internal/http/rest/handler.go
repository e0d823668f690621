// Package rest exposes the downloader over a small HTTP API.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/exfinance/tickdl/internal/downloader"
	"github.com/exfinance/tickdl/internal/logctx"
	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc     *downloader.Service
	metrics http.Handler
}

func NewHandler(svc *downloader.Service, metrics http.Handler) *Handler {
	return &Handler{svc: svc, metrics: metrics}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.health)
	r.Get("/v1/pairs", h.listPairs)
	r.Post("/v1/downloads", h.download)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	return r
}

type downloadRequest struct {
	Pair    string `json:"pair"`
	Start   string `json:"start"`
	End     string `json:"end,omitempty"`
	SaveDir string `json:"save_dir,omitempty"`
}

type failureResponse struct {
	Month string `json:"month"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

type downloadResponse struct {
	Pair           string            `json:"pair"`
	Ticks          int               `json:"ticks"`
	FirstTimestamp *time.Time        `json:"first_timestamp,omitempty"`
	LastTimestamp  *time.Time        `json:"last_timestamp,omitempty"`
	Failures       []failureResponse `json:"failures"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) listPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.svc.AvailablePairs(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"pairs": pairs})
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)

		return
	}

	outcome, err := h.svc.Download(r.Context(), req.Pair, req.Start, req.End, req.SaveDir)
	if err != nil && !errors.Is(err, downloader.ErrNoData) {
		// Everything except ErrNoData is rejected before any fetch:
		// bad pair, bad dates or an inverted range.
		writeError(w, r, http.StatusBadRequest, err)

		return
	}

	resp := downloadResponse{
		Pair:     outcome.Pair,
		Ticks:    len(outcome.Ticks),
		Failures: make([]failureResponse, 0, len(outcome.Failures)),
	}

	if len(outcome.Ticks) > 0 {
		first := outcome.Ticks[0].Timestamp
		last := outcome.Ticks[len(outcome.Ticks)-1].Timestamp
		resp.FirstTimestamp = &first
		resp.LastTimestamp = &last
	}

	for _, f := range outcome.Failures {
		resp.Failures = append(resp.Failures, failureResponse{
			Month: f.Month.String(),
			Stage: string(f.Stage),
			Error: f.Err.Error(),
		})
	}

	status := http.StatusOK
	if errors.Is(err, downloader.ErrNoData) {
		status = http.StatusBadGateway
	}

	writeJSON(w, r, status, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logctx.LoggerFromContext(r.Context()).Error("request failed", "status", status, "err", err)

	writeJSON(w, r, status, map[string]string{"error": err.Error()})
}
