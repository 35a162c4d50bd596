package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedcache/internal/middleware"
	"github.com/hitoshi/feedcache/internal/model"
)

// RegenerationEnqueuer は再生成ジョブを投入するインターフェース。*job.Queue が実装する。
type RegenerationEnqueuer interface {
	EnqueueRegenerate(ctx context.Context, tl model.TimelineID) error
}

// AdminHandler は運用者向けのHTTPハンドラー。
type AdminHandler struct {
	enqueuer RegenerationEnqueuer
	logger   *slog.Logger
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(enqueuer RegenerationEnqueuer, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{enqueuer: enqueuer, logger: logger}
}

type regenerateResponse struct {
	Timeline string `json:"timeline"`
	Status   string `json:"status"`
}

// Regenerate はタイムラインの再生成ジョブを投入する。
// POST /admin/timelines/{kind}/{owner_id}/regenerate[?scope=]
func (h *AdminHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	kindParam := chi.URLParam(r, "kind")
	kind, err := model.ParseKind(kindParam)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidKindError(kindParam))
		return
	}
	ownerID, ok := parsePositiveID(chi.URLParam(r, "owner_id"))
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidIDError("owner_id"))
		return
	}

	tl := model.TimelineID{Kind: kind, OwnerID: ownerID}
	if kind == model.KindList {
		scope, ok := parsePositiveID(r.URL.Query().Get("scope"))
		if !ok {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidIDError("scope"))
			return
		}
		tl.Scope = scope
	}

	if err := h.enqueuer.EnqueueRegenerate(r.Context(), tl); err != nil {
		handleServiceError(w, h.logger, err, 0)
		return
	}

	h.logger.Info("再生成ジョブを投入しました", slog.String("timeline", tl.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(regenerateResponse{Timeline: tl.Key(), Status: "queued"})
}
