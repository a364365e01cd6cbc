package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tahopetis/archzero/internal/application"
	"github.com/tahopetis/archzero/internal/domain"
	"github.com/tahopetis/archzero/internal/observability"
	"github.com/tahopetis/archzero/internal/saga"
)

type Handler struct {
	service *application.CatalogService
	log     zerolog.Logger
}

func NewRouter(service *application.CatalogService, logger zerolog.Logger) http.Handler {
	h := &Handler{service: service, log: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/cards", h.handleListCards)
		api.Post("/cards", h.handleCreateCard)
		api.Get("/cards/{id}", h.handleGetCard)
		api.Patch("/cards/{id}", h.handleUpdateCard)
		api.Delete("/cards/{id}", h.handleDeleteCard)
		api.Get("/cards/{id}/dependencies", h.handleDependencies)
		api.Get("/cards/{id}/dependents", h.handleDependents)

		api.Get("/relationships", h.handleListRelationships)
		api.Post("/relationships", h.handleCreateRelationship)
		api.Get("/relationships/{id}", h.handleGetRelationship)
		api.Patch("/relationships/{id}", h.handleUpdateRelationship)
		api.Delete("/relationships/{id}", h.handleDeleteRelationship)

		api.Get("/graph/fan-in", h.handleFanIn)
		api.Get("/graph/path", h.handlePath)

		api.Get("/sync", h.handleSyncCheck)
		api.Post("/sync/repair", h.handleSyncRepair)

		api.Post("/workflows/provision-chain", h.handleProvisionChain)
	})

	return r
}

func (h *Handler) handleListCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseOptionalInt(q.Get("limit"), "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	list, err := h.service.ListCards(r.Context(), domain.CardFilter{
		Kind:           domain.CardKind(strings.TrimSpace(q.Get("kind"))),
		LifecyclePhase: domain.LifecyclePhase(strings.TrimSpace(q.Get("phase"))),
		Query:          q.Get("q"),
		Tag:            strings.TrimSpace(q.Get("tag")),
		IncludeDeleted: q.Get("include_deleted") == "true",
		Limit:          limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	card, err := h.service.CreateCard(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (h *Handler) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.service.GetCard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (h *Handler) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	var patch domain.CardPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	card, err := h.service.UpdateCard(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (h *Handler) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteCard(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDependencies(w http.ResponseWriter, r *http.Request) {
	opts, err := parseTraversalOptions(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	hops, err := h.service.Dependencies(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hops)
}

func (h *Handler) handleDependents(w http.ResponseWriter, r *http.Request) {
	opts, err := parseTraversalOptions(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	hops, err := h.service.Dependents(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hops)
}

func (h *Handler) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseOptionalInt(q.Get("limit"), "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	list, err := h.service.ListRelationships(r.Context(), domain.RelationshipFilter{
		CardID:         q.Get("card_id"),
		Kind:           domain.RelationshipKind(strings.TrimSpace(q.Get("kind"))),
		IncludeDeleted: q.Get("include_deleted") == "true",
		Limit:          limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleCreateRelationship(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRelationshipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	rel, err := h.service.CreateRelationship(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (h *Handler) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	rel, err := h.service.GetRelationship(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (h *Handler) handleUpdateRelationship(w http.ResponseWriter, r *http.Request) {
	var patch domain.RelationshipPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	rel, err := h.service.UpdateRelationship(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (h *Handler) handleDeleteRelationship(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRelationship(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFanIn(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	items, err := h.service.FanIn(r.Context(), relationshipKinds(r.URL.Query().Get("kinds")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handlePath(w http.ResponseWriter, r *http.Request) {
	opts, err := parseTraversalOptions(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	q := r.URL.Query()
	hops, err := h.service.CriticalPath(r.Context(), q.Get("from"), q.Get("to"), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hops)
}

func (h *Handler) handleSyncCheck(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.CheckSync(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleSyncRepair(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RepairSync(r.Context())
	if err != nil {
		h.log.Error().Err(err).Int("drift", report.Total()).Msg("sync repair incomplete")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleProvisionChain(w http.ResponseWriter, r *http.Request) {
	var in application.ChainInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	out, err := h.service.ProvisionChain(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseTraversalOptions(r *http.Request) (application.TraversalOptions, error) {
	q := r.URL.Query()
	depth, err := parseOptionalInt(q.Get("depth"), "depth")
	if err != nil {
		return application.TraversalOptions{}, err
	}
	return application.TraversalOptions{MaxDepth: depth, Kinds: relationshipKinds(q.Get("kinds"))}, nil
}

func parseOptionalInt(raw, field string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, errors.New(field + " must be an integer")
	}
	return v, nil
}

func relationshipKinds(csv string) []domain.RelationshipKind {
	var out []domain.RelationshipKind
	for _, part := range splitCSV(csv) {
		out = append(out, domain.RelationshipKind(part))
	}
	return out
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// writeError maps service errors to status codes. A sync failure is checked
// first since it also wraps the mirror's own error.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if sf, ok := saga.AsSyncFailure(err); ok {
		body := map[string]any{"op": sf.Op, "entity": sf.Entity, "id": sf.ID}
		if sf.Inconsistent() {
			h.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("integrity at risk")
			body["error"] = "integrity at risk"
			body["integrity"] = "at_risk"
			writeJSON(w, http.StatusInternalServerError, body)
			return
		}
		body["error"] = "temporarily unable to complete, data integrity preserved"
		body["integrity"] = "preserved"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	switch {
	case errors.Is(err, domain.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
