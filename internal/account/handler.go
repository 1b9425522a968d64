package account

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-account/internal/auth"
)

// Handler exposes the lifecycle operations over HTTP.
type Handler struct {
	svc    *Service
	tokens *auth.TokenIssuer
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, tokens *auth.TokenIssuer, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, tokens: tokens, logger: logger}
}

// Routes returns the /api subtree.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/auth/login", h.Login)
	r.Post("/auth/verify", h.Verify)
	r.Get("/auth/jwks.json", h.tokens.JWKSHandler)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireActor)
		r.Get("/roles", h.Roles)
		r.Post("/accounts/me/credential", h.ChangeCredential)
		r.Get("/accounts", h.List)
		r.Post("/accounts", h.Create)
		r.Get("/accounts/{id}", h.Get)
		r.Patch("/accounts/{id}", h.Update)
		r.Delete("/accounts/{id}", h.Delete)
		r.Post("/accounts/{id}/reset-credential", h.ResetCredential)
		r.Get("/accounts/{id}/permissions", h.Permissions)
	})
	return r
}

type actorKey struct{}

func WithActor(ctx context.Context, a entity.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) (entity.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(entity.Actor)
	return a, ok
}

// RequireActor verifies the bearer token and resolves the caller into an
// Actor stored on the request context.
func (h *Handler) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			h.writeStatus(w, http.StatusUnauthorized, errorBody{Code: CodeUnauthorized, Message: "missing bearer token"})
			return
		}
		claims, err := h.tokens.Parse(raw)
		if err != nil {
			h.logger.Debugw("token rejected", "err", err)
			h.writeStatus(w, http.StatusUnauthorized, errorBody{Code: CodeUnauthorized, Message: "invalid token"})
			return
		}
		actor, err := h.svc.ResolveActor(r.Context(), claims.Subject, clientAddress(r))
		if errors.Is(err, ErrNotFound) {
			h.writeStatus(w, http.StatusUnauthorized, errorBody{Code: CodeUnauthorized, Message: "invalid token"})
			return
		}
		if err != nil {
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string            `json:"accessToken"`
	TokenType   string            `json:"tokenType"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Account     entity.AuthResult `json:"account"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Authenticate(r.Context(), req.Email, req.Password, clientAddress(r))
	if err != nil {
		h.logger.Debugw("login failed", "code", CodeOf(err), "address", clientAddress(r))
		h.writeError(w, err)
		return
	}
	tok, exp, err := h.tokens.Issue(res.AccountID, res.Email, res.MustChangeCredential)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, LoginResponse{AccessToken: tok, TokenType: "Bearer", ExpiresAt: exp, Account: res})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.Verify(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) ChangeCredential(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ChangeCredential(r.Context(), actor, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	qs := r.URL.Query()
	page, _ := strconv.Atoi(qs.Get("page"))
	limit, _ := strconv.Atoi(qs.Get("limit"))
	q := entity.ListQuery{
		Page:     page,
		Limit:    limit,
		Search:   qs.Get("search"),
		RoleID:   qs.Get("roleId"),
		Status:   entity.Status(qs.Get("status")),
		SortBy:   qs.Get("sortBy"),
		SortDesc: strings.EqualFold(qs.Get("order"), "desc"),
	}
	out, err := h.svc.List(r.Context(), actor, q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var attrs entity.CreateAttrs
	if !h.decode(w, r, &attrs) {
		return
	}
	res, err := h.svc.Create(r.Context(), actor, attrs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	view, err := h.svc.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var p entity.Patch
	if !h.decode(w, r, &p) {
		return
	}
	view, err := h.svc.Update(r.Context(), actor, chi.URLParam(r, "id"), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	if err := h.svc.SoftDelete(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResetCredential(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	if err := h.svc.ResetCredential(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Permissions(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	perms, err := h.svc.Permissions(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"permissions": perms})
}

func (h *Handler) Roles(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	roles, err := h.svc.Roles(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type errorBody struct {
	Code        Code              `json:"code"`
	Message     string            `json:"message"`
	Fields      map[string]string `json:"fields,omitempty"`
	LockedUntil *time.Time        `json:"lockedUntil,omitempty"`
}

// StatusFor maps an error code onto its HTTP status.
func StatusFor(c Code) int {
	switch c {
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeAccountNotFound:
		return http.StatusUnauthorized
	case CodeUnauthorized, CodeAccountDisabled:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateEmail, CodeConflict:
		return http.StatusConflict
	case CodeSelfDeletionForbidden:
		return http.StatusUnprocessableEntity
	case CodeAccountLocked:
		return http.StatusLocked
	case CodeNotificationFailed:
		return http.StatusBadGateway
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	body := errorBody{Code: code, Message: err.Error()}

	var verr *ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
		body.Message = ErrValidationFailed.Error()
	}
	var locked *LockedError
	if errors.As(err, &locked) {
		until := locked.Until.UTC()
		body.LockedUntil = &until
	}

	status := StatusFor(code)
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Errorw("request failed", "code", code, "err", err)
		if code == CodeInternal || code == CodeStoreUnavailable {
			body.Message = http.StatusText(status)
		}
	default:
		h.logger.Debugw("request rejected", "code", code, "err", err)
	}
	h.writeStatus(w, status, body)
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, body errorBody) {
	h.writeJSON(w, status, map[string]errorBody{"error": body})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeStatus(w, http.StatusBadRequest, errorBody{Code: CodeValidationFailed, Message: "invalid JSON body"})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}

// clientAddress is the caller's IP. RemoteAddr has already been rewritten
// by the RealIP middleware when running behind a proxy.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
