package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"alatele/internal/auth"
	"alatele/internal/cache"
	"alatele/internal/models"
	"alatele/internal/notify"
	"alatele/internal/send"
	"alatele/internal/storage"

	"github.com/stretchr/testify/require"
)

var me = auth.Principal{Identity: "alice", Username: "alice", DisplayName: "Alice", Role: models.RoleUser}

type fakeSession struct {
	store       *cache.Store
	refreshed   []models.Scope
	invalidated []models.Scope
}

func (f *fakeSession) Principal() auth.Principal { return me }

func (f *fakeSession) Conversations() []models.ConversationSummary {
	return []models.ConversationSummary{{Counterparty: "bob", Name: "Bob"}}
}

func (f *fakeSession) Users(context.Context) []models.Contact {
	return []models.Contact{{Identity: "bob", Name: "Bob"}}
}

func (f *fakeSession) Refresh(_ context.Context, scope models.Scope) error {
	f.refreshed = append(f.refreshed, scope)
	f.store.Replace(scope, []models.Message{{ID: 9, Sender: "bob", Content: "loaded", Timestamp: 1}})
	return nil
}

func (f *fakeSession) Invalidate(scope models.Scope) {
	f.invalidated = append(f.invalidated, scope)
}

func (f *fakeSession) Scopes() []models.Scope {
	return []models.Scope{models.PublicScope}
}

type fakeCoordinator struct {
	mu       sync.Mutex
	requests []send.Request
	err      error
	edited   map[int64]string
	deleted  []int64
}

func (f *fakeCoordinator) Send(_ context.Context, req send.Request) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return 0, f.err
	}
	return 42, nil
}

func (f *fakeCoordinator) Edit(_ context.Context, _ models.Scope, actor auth.Principal, id int64, text string) error {
	if f.err != nil {
		return f.err
	}
	f.edited[id] = text
	return nil
}

func (f *fakeCoordinator) Delete(_ context.Context, _ models.Scope, _ auth.Principal, id int64) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeBackend struct {
	contacts []models.Contact
	profile  models.UserProfile
	addErr   error
}

func (f *fakeBackend) Contacts(context.Context) ([]models.Contact, error) { return f.contacts, nil }

func (f *fakeBackend) AddContact(_ context.Context, c models.Contact) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.contacts = append(f.contacts, c)
	return nil
}

func (f *fakeBackend) GetCallerUserProfile(context.Context) (models.UserProfile, error) {
	return f.profile, nil
}

func (f *fakeBackend) SaveCallerUserProfile(_ context.Context, p models.UserProfile) error {
	f.profile = p
	return nil
}

type fakeProfiles struct {
	contacts    []models.Contact
	invalidated []models.Identity
}

func (f *fakeProfiles) SetContacts(c []models.Contact) { f.contacts = c }
func (f *fakeProfiles) Invalidate(id models.Identity)  { f.invalidated = append(f.invalidated, id) }

type fakeAttachments map[string][]byte

func (f fakeAttachments) Open(_ context.Context, ref string) (io.ReadCloser, storage.BlobMetadata, error) {
	data, ok := f[ref]
	if !ok {
		return nil, storage.BlobMetadata{}, fmt.Errorf("blob %s: %w", ref, models.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), storage.BlobMetadata{Ref: ref, MimeType: "image/png", Size: int64(len(data))}, nil
}

type fakeNotifier struct {
	enabled bool
	subs    []notify.Subscription
}

func (f *fakeNotifier) Enabled() bool     { return f.enabled }
func (f *fakeNotifier) PublicKey() string { return "pub" }
func (f *fakeNotifier) Subscribe(sub notify.Subscription) error {
	f.subs = append(f.subs, sub)
	return nil
}
func (f *fakeNotifier) Unsubscribe(string) error { return nil }

type fixture struct {
	store       *cache.Store
	session     *fakeSession
	coordinator *fakeCoordinator
	backend     *fakeBackend
	profiles    *fakeProfiles
	notifier    *fakeNotifier
	handler     http.Handler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:       cache.New(cache.Config{}),
		coordinator: &fakeCoordinator{edited: make(map[int64]string)},
		backend:     &fakeBackend{profile: models.UserProfile{Name: "alice"}},
		profiles:    &fakeProfiles{},
		notifier:    &fakeNotifier{},
	}
	f.session = &fakeSession{store: f.store}
	a := New(Config{
		Cache:       f.store,
		Session:     f.session,
		Coordinator: f.coordinator,
		Backend:     f.backend,
		Profiles:    f.profiles,
		Attachments: fakeAttachments{"ref1": []byte("png-bytes")},
		Notifier:    f.notifier,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/me", a.MeHandler)
	mux.HandleFunc("GET /api/scopes/{scope}/messages", a.MessagesHandler)
	mux.HandleFunc("POST /api/scopes/{scope}/messages", RequireSameOrigin(a.SendHandler))
	mux.HandleFunc("PATCH /api/scopes/{scope}/messages/{id}", a.EditHandler)
	mux.HandleFunc("DELETE /api/scopes/{scope}/messages/{id}", a.DeleteHandler)
	mux.HandleFunc("GET /api/conversations", a.ConversationsHandler)
	mux.HandleFunc("GET /api/users", a.UsersHandler)
	mux.HandleFunc("GET /api/contacts", a.ContactsHandler)
	mux.HandleFunc("POST /api/contacts", a.AddContactHandler)
	mux.HandleFunc("GET /api/profile", a.ProfileHandler)
	mux.HandleFunc("POST /api/profile", a.SaveProfileHandler)
	mux.HandleFunc("GET /api/attachments/{ref}", a.AttachmentHandler)
	mux.HandleFunc("POST /api/push/subscribe", a.PushSubscribeHandler)
	mux.HandleFunc("GET /healthz", NewAdminHandler(f.store, f.session).HealthHandler)
	f.handler = mux
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

var jsonHeader = map[string]string{"Content-Type": "application/json"}

func TestMe(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodGet, "/api/me", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var p auth.Principal
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	require.Equal(t, me.Identity, p.Identity)
	require.Empty(t, p.Token)
}

func TestMessages(t *testing.T) {
	f := setup(t)
	f.store.Replace(models.PublicScope, []models.Message{{ID: 1, Sender: "bob", Content: "**hi**", Timestamp: 1}})

	rec := f.do(t, http.MethodGet, "/api/scopes/public/messages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []models.MessageView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&views))
	require.Len(t, views, 1)
	require.Contains(t, views[0].ContentHTML, "<strong>hi</strong>")
	require.Empty(t, f.session.refreshed)
}

func TestMessages_LoadsUnknownScope(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/scopes/dm:bob/messages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []models.MessageView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&views))
	require.Len(t, views, 1)
	require.Equal(t, "loaded", views[0].Content)
	require.Equal(t, []models.Scope{models.PrivateScope("bob")}, f.session.refreshed)
}

func TestMessages_BadScope(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodGet, "/api/scopes/townhall/messages", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSend_JSON(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/scopes/public/messages", jsonBody(t, sendRequest{Content: "hello"}), jsonHeader)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp sendResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, int64(42), resp.ID)
	require.Len(t, f.coordinator.requests, 1)
	require.Equal(t, "hello", f.coordinator.requests[0].Content)
	require.Equal(t, me.Identity, f.coordinator.requests[0].Sender)
}

func TestSend_Multipart(t *testing.T) {
	f := setup(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("content", "look"))
	fw, err := mw.CreateFormFile("files", "cat.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not really a png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := f.do(t, http.MethodPost, "/api/scopes/dm:bob/messages", &body, map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, f.coordinator.requests, 1)
	req := f.coordinator.requests[0]
	require.Equal(t, models.PrivateScope("bob"), req.Scope)
	require.Equal(t, "look", req.Content)
	require.Len(t, req.Attachments, 1)
	require.Equal(t, "cat.png", req.Attachments[0].Name)
	require.Equal(t, []byte("not really a png"), req.Attachments[0].Data)
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid", models.ErrInvalidMessage, http.StatusBadRequest},
		{"transport", &models.SendError{Scope: models.PublicScope, Cause: models.ErrTransport}, http.StatusBadGateway},
		{"timeout", &models.SendError{Scope: models.PublicScope, Cause: models.ErrTimeout}, http.StatusGatewayTimeout},
		{"rejected", &models.SendError{Scope: models.PublicScope, Cause: models.ErrRemoteRejected}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.coordinator.err = tt.err

			rec := f.do(t, http.MethodPost, "/api/scopes/public/messages", jsonBody(t, sendRequest{Content: "x"}), jsonHeader)
			require.Equal(t, tt.code, rec.Code)

			var resp errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			require.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestSend_CrossOrigin(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodPost, "/api/scopes/public/messages", jsonBody(t, sendRequest{Content: "x"}), map[string]string{
		"Content-Type": "application/json",
		"Origin":       "https://evil.example",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, f.coordinator.requests)

	rec = f.do(t, http.MethodPost, "/api/scopes/public/messages", jsonBody(t, sendRequest{Content: "x"}), map[string]string{
		"Content-Type": "application/json",
		"Origin":       "http://example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestEditDelete(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPatch, "/api/scopes/public/messages/5", jsonBody(t, sendRequest{Content: "fixed"}), jsonHeader)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "fixed", f.coordinator.edited[5])

	rec = f.do(t, http.MethodDelete, "/api/scopes/public/messages/5", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []int64{5}, f.coordinator.deleted)

	rec = f.do(t, http.MethodDelete, "/api/scopes/public/messages/abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.coordinator.err = fmt.Errorf("%w: nope", models.ErrForbidden)
	rec = f.do(t, http.MethodDelete, "/api/scopes/public/messages/6", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.coordinator.err = fmt.Errorf("message 7: %w", models.ErrNotFound)
	rec = f.do(t, http.MethodPatch, "/api/scopes/public/messages/7", jsonBody(t, sendRequest{Content: "x"}), jsonHeader)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationsAndUsers(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/conversations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []models.ConversationSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summaries))
	require.Len(t, summaries, 1)

	rec = f.do(t, http.MethodGet, "/api/users", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []models.Contact
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Equal(t, "Bob", users[0].Name)
}

func TestContacts(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/contacts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/contacts", jsonBody(t, models.Contact{Identity: "bob", Name: " Bobby "}), jsonHeader)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []models.Contact{{Identity: "bob", Name: "Bobby"}}, f.profiles.contacts)
	require.Contains(t, f.session.invalidated, models.PrivateScope("bob"))

	rec = f.do(t, http.MethodPost, "/api/contacts", jsonBody(t, models.Contact{Identity: "carol"}), jsonHeader)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.backend.addErr = fmt.Errorf("%w: 403 Forbidden", models.ErrRemoteRejected)
	rec = f.do(t, http.MethodPost, "/api/contacts", jsonBody(t, models.Contact{Identity: "carol", Name: "Carol"}), jsonHeader)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProfile(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/profile", jsonBody(t, models.UserProfile{Name: "alice", DisplayName: "Al"}), jsonHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []models.Identity{me.Identity}, f.profiles.invalidated)
	require.Contains(t, f.session.invalidated, models.PublicScope)

	rec = f.do(t, http.MethodGet, "/api/profile", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p models.UserProfile
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	require.Equal(t, "Al", p.DisplayName)

	rec = f.do(t, http.MethodPost, "/api/profile", jsonBody(t, models.UserProfile{Name: "  "}), jsonHeader)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachment(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/attachments/ref1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "png-bytes", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/attachments/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPushSubscribe(t *testing.T) {
	f := setup(t)
	sub := notify.Subscription{Endpoint: "https://push.example/1"}
	sub.Keys.P256dh = "key"
	sub.Keys.Auth = "auth"

	rec := f.do(t, http.MethodPost, "/api/push/subscribe", jsonBody(t, sub), jsonHeader)
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	f.notifier.enabled = true
	rec = f.do(t, http.MethodPost, "/api/push/subscribe", jsonBody(t, sub), jsonHeader)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.notifier.subs, 1)

	rec = f.do(t, http.MethodPost, "/api/push/subscribe", strings.NewReader(`{"endpoint":"x"}`), jsonHeader)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	f := setup(t)
	f.store.Replace(models.PublicScope, []models.Message{{ID: 1, Sender: "bob", Content: "a", Timestamp: 1}})
	f.store.Begin(models.PublicScope, models.Message{ID: -1, Sender: "alice", Content: "b", Timestamp: 2})

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, []ScopeHealth{{Scope: models.PublicScope, Messages: 2, InFlight: 1}}, resp.Scopes)
}
