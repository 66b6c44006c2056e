package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"alatele/internal/auth"
	"alatele/internal/cache"
	"alatele/internal/content"
	"alatele/internal/models"
	"alatele/internal/notify"
	"alatele/internal/send"
	"alatele/internal/storage"
)

const DefaultMaxUploadSize = 32 << 20

type Session interface {
	Principal() auth.Principal
	Conversations() []models.ConversationSummary
	Users(ctx context.Context) []models.Contact
	Refresh(ctx context.Context, scope models.Scope) error
	Invalidate(scope models.Scope)
}

type Coordinator interface {
	Send(ctx context.Context, req send.Request) (int64, error)
	Edit(ctx context.Context, scope models.Scope, actor auth.Principal, id int64, text string) error
	Delete(ctx context.Context, scope models.Scope, actor auth.Principal, id int64) error
}

// Backend is the part of the backend the bridge proxies directly.
type Backend interface {
	Contacts(ctx context.Context) ([]models.Contact, error)
	AddContact(ctx context.Context, contact models.Contact) error
	GetCallerUserProfile(ctx context.Context) (models.UserProfile, error)
	SaveCallerUserProfile(ctx context.Context, p models.UserProfile) error
}

type Profiles interface {
	SetContacts(contacts []models.Contact)
	Invalidate(id models.Identity)
}

type Attachments interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, storage.BlobMetadata, error)
}

type Notifier interface {
	Enabled() bool
	PublicKey() string
	Subscribe(sub notify.Subscription) error
	Unsubscribe(endpoint string) error
}

type Config struct {
	Cache         *cache.Store
	Session       Session
	Coordinator   Coordinator
	Backend       Backend
	Profiles      Profiles
	Attachments   Attachments
	Notifier      Notifier
	MaxUploadSize int64
}

// API serves the REST half of the local UI bridge.
type API struct {
	cache         *cache.Store
	session       Session
	coordinator   Coordinator
	backend       Backend
	profiles      Profiles
	attachments   Attachments
	notifier      Notifier
	maxUploadSize int64
}

func New(config Config) *API {
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = DefaultMaxUploadSize
	}
	return &API{
		cache:         config.Cache,
		session:       config.Session,
		coordinator:   config.Coordinator,
		backend:       config.Backend,
		profiles:      config.Profiles,
		attachments:   config.Attachments,
		notifier:      config.Notifier,
		maxUploadSize: config.MaxUploadSize,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrRemoteRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrSendFailed),
		errors.Is(err, models.ErrTransport),
		errors.Is(err, models.ErrUploadFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func scopeOf(w http.ResponseWriter, r *http.Request) (models.Scope, bool) {
	scope, ok := models.ParseScope(r.PathValue("scope"))
	if !ok {
		badRequest(w, "unknown scope %q", r.PathValue("scope"))
	}
	return scope, ok
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Principal())
}

// MessagesHandler returns the cached list of a scope. A scope that was
// never loaded is fetched once before answering.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}

	list := a.cache.Get(scope)
	if len(list) == 0 {
		if err := a.session.Refresh(r.Context(), scope); err != nil {
			slog.Error("failed to load scope", "scope", scope, "error", err)
		}
		list = a.cache.Get(scope)
	}
	writeJSON(w, http.StatusOK, content.Views(list))
}

type sendRequest struct {
	Content string `json:"content"`
}

type sendResponse struct {
	ID int64 `json:"id"`
}

// SendHandler accepts either a JSON body or a multipart form with a
// "content" field and any number of "files".
func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}

	req := send.Request{
		Scope:  scope,
		Sender: a.session.Principal().Identity,
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body sendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			badRequest(w, "invalid request body")
			return
		}
		req.Content = body.Content
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadSize)
		if err := r.ParseMultipartForm(a.maxUploadSize); err != nil {
			badRequest(w, "failed to parse form: %v", err)
			return
		}
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				slog.Error("failed to remove multipart files", "error", err)
			}
		}()
		req.Content = r.FormValue("content")

		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				badRequest(w, "failed to open %q: %v", fh.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				badRequest(w, "failed to read %q: %v", fh.Filename, err)
				return
			}
			req.Attachments = append(req.Attachments, models.OutgoingAttachment{
				Name:     fh.Filename,
				MimeType: fh.Header.Get("Content-Type"),
				Data:     data,
			})
		}
	}

	id, err := a.coordinator.Send(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{ID: id})
}

func messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid message id %q", r.PathValue("id"))
		return 0, false
	}
	return id, true
}

func (a *API) EditHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	var body sendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	if err := a.coordinator.Edit(r.Context(), scope, a.session.Principal(), id, body.Content); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	if err := a.coordinator.Delete(r.Context(), scope, a.session.Principal(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Conversations())
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Users(r.Context()))
}

func (a *API) ContactsHandler(w http.ResponseWriter, r *http.Request) {
	contacts, err := a.refreshContacts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (a *API) AddContactHandler(w http.ResponseWriter, r *http.Request) {
	var contact models.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	contact.Name = strings.TrimSpace(contact.Name)
	if contact.Identity == "" || contact.Name == "" {
		badRequest(w, "identity and name are required")
		return
	}

	if err := a.backend.AddContact(r.Context(), contact); err != nil {
		writeError(w, err)
		return
	}
	contacts, err := a.refreshContacts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	a.session.Invalidate(models.PrivateScope(contact.Identity))
	writeJSON(w, http.StatusCreated, contacts)
}

func (a *API) refreshContacts(ctx context.Context) ([]models.Contact, error) {
	contacts, err := a.backend.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	a.profiles.SetContacts(contacts)
	return contacts, nil
}

func (a *API) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	p, err := a.backend.GetCallerUserProfile(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SaveProfileHandler stores the caller's profile and drops the cached copy
// so conversation names pick up the change.
func (a *API) SaveProfileHandler(w http.ResponseWriter, r *http.Request) {
	var p models.UserProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.Name == "" {
		badRequest(w, "name is required")
		return
	}

	if err := a.backend.SaveCallerUserProfile(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	a.profiles.Invalidate(a.session.Principal().Identity)
	a.session.Invalidate(models.PublicScope)
	writeJSON(w, http.StatusOK, p)
}

func (a *API) AttachmentHandler(w http.ResponseWriter, r *http.Request) {
	rc, meta, err := a.attachments.Open(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	if meta.MimeType != "" {
		w.Header().Set("Content-Type", meta.MimeType)
	}
	if meta.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		slog.Error("failed to write attachment", "ref", r.PathValue("ref"), "error", err)
	}
}

type pushKeyResponse struct {
	Enabled   bool   `json:"enabled"`
	PublicKey string `json:"publicKey,omitempty"`
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pushKeyResponse{
		Enabled:   a.notifier.Enabled(),
		PublicKey: a.notifier.PublicKey(),
	})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if !a.notifier.Enabled() {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "push notifications are not configured"})
		return
	}
	var sub notify.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		badRequest(w, "endpoint and keys are required")
		return
	}
	if err := a.notifier.Subscribe(sub); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) PushUnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var sub notify.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		badRequest(w, "endpoint is required")
		return
	}
	if err := a.notifier.Unsubscribe(sub.Endpoint); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequireSameOrigin rejects state-changing browser requests coming from
// another origin.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !sameHost(origin, r.Host) {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "cross-origin request"})
			return
		}
		next(w, r)
	}
}

func sameHost(origin, host string) bool {
	_, rest, ok := strings.Cut(origin, "://")
	return ok && rest == host
}
