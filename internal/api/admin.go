package api

import (
	"net/http"

	"alatele/internal/auth"
	"alatele/internal/cache"
	"alatele/internal/models"
)

type scopeLister interface {
	Principal() auth.Principal
	Scopes() []models.Scope
}

type AdminHandler struct {
	cache   *cache.Store
	session scopeLister
}

func NewAdminHandler(store *cache.Store, session scopeLister) *AdminHandler {
	return &AdminHandler{cache: store, session: session}
}

type ScopeHealth struct {
	Scope    models.Scope `json:"scope"`
	Messages int          `json:"messages"`
	InFlight int          `json:"inFlight"`
}

type HealthResponse struct {
	Status   string          `json:"status"`
	Identity models.Identity `json:"identity"`
	Role     models.Role     `json:"role"`
	Scopes   []ScopeHealth   `json:"scopes"`
}

// HealthHandler reports the signed-in identity and the state of every
// polled scope.
func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	p := h.session.Principal()
	resp := HealthResponse{
		Status:   "ok",
		Identity: p.Identity,
		Role:     p.Role,
		Scopes:   []ScopeHealth{},
	}
	for _, scope := range h.session.Scopes() {
		resp.Scopes = append(resp.Scopes, ScopeHealth{
			Scope:    scope,
			Messages: len(h.cache.Get(scope)),
			InFlight: h.cache.InFlight(scope),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
