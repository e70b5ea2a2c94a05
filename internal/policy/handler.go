package policy

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/meridian-suite/meridian/internal/platform/httpx"
)

// GroupAssigner reassigns a principal's direct groups. Implemented by the
// rule loader; the engine itself never writes.
type GroupAssigner interface {
	AssignGroups(ctx context.Context, principalID int64, groupIDs []string) error
}

// Reloader re-imports the declarative permission manifests.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Handler exposes the permission API surface. Every endpoint is thin
// plumbing over the Service and Store.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	store    Store
	assigner GroupAssigner
	reloader Reloader
	mw       Middleware
	validate *validator.Validate
	collator *collate.Collator
}

// NewHandler builds the permissions handler.
func NewHandler(logger *slog.Logger, service *Service, store Store, assigner GroupAssigner, reloader Reloader, mw Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		store:    store,
		assigner: assigner,
		reloader: reloader,
		mw:       mw,
		validate: validator.New(),
		collator: collate.New(language.English, collate.IgnoreCase),
	}
}

// MountRoutes registers the permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me", h.myPermissions)
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAccess("platform.permissions", OpRead))
		r.Get("/groups", h.listGroups)
		r.Get("/access", h.listAccess)
		r.Get("/record-rules", h.listRecordRules)
		r.Get("/matrix", h.accessMatrix)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAccess("platform.permissions", OpWrite))
		r.Post("/users/{id}/groups", h.assignGroups)
		r.Post("/reload", h.reload)
	})
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.mw.CurrentPrincipalID(r)
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "no authenticated principal")
		return
	}
	summary, err := h.service.GetUserPermissions(r.Context(), principalID)
	if err != nil {
		h.logger.Error("permission summary", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.Groups(r.Context())
	if err != nil {
		h.logger.Error("list groups", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return h.collator.CompareString(groups[i].Name, groups[j].Name) < 0
	})
	httpx.JSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *Handler) listAccess(w http.ResponseWriter, r *http.Request) {
	access, err := h.store.ModelAccessList(r.Context())
	if err != nil {
		h.logger.Error("list model access", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"access": access})
}

func (h *Handler) listRecordRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.RecordRules(r.Context())
	if err != nil {
		h.logger.Error("list record rules", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// matrixRow is one model row of the model-access matrix view.
type matrixRow struct {
	Model  string                 `json:"model"`
	Grants map[string]AccessFlags `json:"grants"` // group ID -> flags, "" = global
}

func (h *Handler) accessMatrix(w http.ResponseWriter, r *http.Request) {
	access, err := h.store.ModelAccessList(r.Context())
	if err != nil {
		h.logger.Error("access matrix", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	byModel := make(map[string]map[string]AccessFlags)
	for _, row := range access {
		if !row.Active {
			continue
		}
		grants, ok := byModel[row.Model]
		if !ok {
			grants = make(map[string]AccessFlags)
			byModel[row.Model] = grants
		}
		flags := grants[row.GroupID]
		flags.Read = flags.Read || row.Read
		flags.Write = flags.Write || row.Write
		flags.Create = flags.Create || row.Create
		flags.Delete = flags.Delete || row.Delete
		grants[row.GroupID] = flags
	}
	rows := make([]matrixRow, 0, len(byModel))
	for model, grants := range byModel {
		rows = append(rows, matrixRow{Model: model, Grants: grants})
	}
	sort.Slice(rows, func(i, j int) bool {
		return h.collator.CompareString(rows[i].Model, rows[j].Model) < 0
	})
	httpx.JSON(w, http.StatusOK, map[string]any{"matrix": rows})
}

type assignGroupsRequest struct {
	GroupIDs []string `json:"group_ids" validate:"required,dive,min=1"`
}

func (h *Handler) assignGroups(w http.ResponseWriter, r *http.Request) {
	principalID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid principal id")
		return
	}
	var req assignGroupsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.assigner.AssignGroups(r.Context(), principalID, req.GroupIDs); err != nil {
		h.logger.Error("assign groups", slog.Int64("principal", principalID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	h.service.ClearCache(principalID)
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	if err := h.reloader.Reload(r.Context()); err != nil {
		h.logger.Error("reload rules", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	h.service.ClearCache()
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
