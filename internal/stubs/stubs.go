// Package stubs provides an in-memory chat backend speaking the rpc wire
// format. It backs the tests and the daemon's -stub mode.
package stubs

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"alatele/internal/auth"
	"alatele/internal/models"
	"alatele/internal/rpc"

	"github.com/google/uuid"
)

var namespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// Users seeded by New in dev mode.
var Users = []models.Contact{
	{Identity: IdentityOf("alice"), Name: "Alice"},
	{Identity: IdentityOf("bob"), Name: "Bob"},
	{Identity: IdentityOf("charlie"), Name: "Charlie"},
}

// IdentityOf returns the identity the backend assigns to username.
func IdentityOf(username string) models.Identity {
	return models.Identity(uuid.NewSHA1(namespace, []byte(username)).String())
}

type blob struct {
	mime string
	data []byte
}

type Config struct {
	// Admins maps admin usernames to passwords.
	Admins map[string]string
	Now    func() time.Time
}

type Backend struct {
	mu       sync.Mutex
	admins   map[string]string
	now      func() time.Time
	sessions map[string]auth.Session
	nextID   int64
	messages []models.Message
	blobs    map[string]blob
	profiles map[models.Identity]models.UserProfile
	contacts map[models.Identity][]models.Contact
	failSend int
	sent     map[string]int64
}

func New(config Config) *Backend {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Backend{
		admins:   config.Admins,
		now:      config.Now,
		sessions: make(map[string]auth.Session),
		blobs:    make(map[string]blob),
		profiles: make(map[models.Identity]models.UserProfile),
		contacts: make(map[models.Identity][]models.Contact),
		sent:     make(map[string]int64),
	}
}

// Seed registers the stub users and a short public history.
func (b *Backend) Seed() {
	for _, u := range Users {
		b.SetProfile(u.Identity, models.UserProfile{Name: strings.ToLower(u.Name), DisplayName: u.Name})
	}
	b.Post(Users[0].Identity, nil, "Hello everyone!")
	b.Post(Users[1].Identity, nil, "Hi Alice!")
}

// Post stores a message as if sender had sent it.
func (b *Backend) Post(sender models.Identity, recipient *models.Identity, content string) models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.post(sender, recipient, content, nil)
}

func (b *Backend) post(sender models.Identity, recipient *models.Identity, content string, attachments []models.Attachment) models.Message {
	b.nextID++
	m := models.Message{
		ID:          b.nextID,
		Sender:      sender,
		Recipient:   recipient,
		Content:     content,
		Attachments: attachments,
		Timestamp:   b.now().UnixNano(),
	}
	b.messages = append(b.messages, m)
	return m.Clone()
}

func (b *Backend) SetProfile(id models.Identity, p models.UserProfile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[id] = p
}

// FailSends makes every following send answer with status. Zero restores
// normal operation.
func (b *Backend) FailSends(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSend = status
}

// Messages returns every stored message.
func (b *Backend) Messages() []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Message, len(b.messages))
	for i, m := range b.messages {
		out[i] = m.Clone()
	}
	return out
}

func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+rpc.PathAdminLogin, b.adminLogin)
	mux.HandleFunc("POST "+rpc.PathGuestLogin, b.guestLogin)
	mux.HandleFunc("POST "+rpc.PathFederatedLogin, b.federatedLogin)
	mux.HandleFunc("GET "+rpc.PathMessages, b.withSession(b.allMessages))
	mux.HandleFunc("GET "+rpc.PathPublicMessages, b.withSession(b.publicMessages))
	mux.HandleFunc("GET "+rpc.PathPrivateMessage, b.withSession(b.privateMessages))
	mux.HandleFunc("POST "+rpc.PathMessages, b.withSession(b.sendMessage))
	mux.HandleFunc("PATCH "+rpc.PathMessage, b.withSession(b.editMessage))
	mux.HandleFunc("DELETE "+rpc.PathMessage, b.withSession(b.deleteMessage))
	mux.HandleFunc("POST "+rpc.PathBlobs, b.withSession(b.uploadBlob))
	mux.HandleFunc("GET "+rpc.PathBlob, b.withSession(b.getBlob))
	mux.HandleFunc("GET "+rpc.PathProfile, b.withSession(b.callerProfile))
	mux.HandleFunc("PUT "+rpc.PathProfile, b.withSession(b.saveProfile))
	mux.HandleFunc("GET "+rpc.PathUserProfile, b.withSession(b.userProfile))
	mux.HandleFunc("GET "+rpc.PathContacts, b.withSession(b.listContacts))
	mux.HandleFunc("POST "+rpc.PathContacts, b.withSession(b.addContact))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode stub response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, rpc.ErrorResponse{Error: msg})
}

func (b *Backend) withSession(next func(http.ResponseWriter, *http.Request, auth.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		session, ok := b.sessions[token]
		b.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, session)
	}
}

func (b *Backend) open(username string, role models.Role) auth.Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	session := auth.Session{Identity: IdentityOf(username), Role: role, Token: uuid.NewString()}
	b.sessions[session.Token] = session
	if _, ok := b.profiles[session.Identity]; !ok {
		b.profiles[session.Identity] = models.UserProfile{Name: username}
	}
	return session
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (b *Backend) adminLogin(w http.ResponseWriter, r *http.Request) {
	var req rpc.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	if pw, ok := b.admins[req.Username]; !ok || pw != req.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, b.open(req.Username, models.RoleAdmin))
}

func (b *Backend) guestLogin(w http.ResponseWriter, r *http.Request) {
	var req rpc.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	writeJSON(w, http.StatusOK, b.open(req.Username, models.RoleGuest))
}

func (b *Backend) federatedLogin(w http.ResponseWriter, r *http.Request) {
	var req rpc.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusUnauthorized, "token is required")
		return
	}
	writeJSON(w, http.StatusOK, b.open("federated:"+req.Token, models.RoleUser))
}

func (b *Backend) filter(keep func(models.Message) bool) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []models.Message{}
	for _, m := range b.messages {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (b *Backend) allMessages(w http.ResponseWriter, r *http.Request, s auth.Session) {
	writeJSON(w, http.StatusOK, b.filter(func(m models.Message) bool {
		if !m.IsPrivate() {
			return true
		}
		_, ok := m.Counterparty(s.Identity)
		return ok
	}))
}

func (b *Backend) publicMessages(w http.ResponseWriter, r *http.Request, s auth.Session) {
	writeJSON(w, http.StatusOK, b.filter(func(m models.Message) bool {
		return !m.IsPrivate()
	}))
}

func (b *Backend) privateMessages(w http.ResponseWriter, r *http.Request, s auth.Session) {
	other := models.Identity(r.PathValue("identity"))
	writeJSON(w, http.StatusOK, b.filter(func(m models.Message) bool {
		c, ok := m.Counterparty(s.Identity)
		return ok && c == other
	}))
}

func (b *Backend) sendMessage(w http.ResponseWriter, r *http.Request, s auth.Session) {
	var req rpc.SendRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSend != 0 {
		writeError(w, b.failSend, "send refused")
		return
	}
	key := r.Header.Get(rpc.IdempotencyKeyHeader)
	if id, ok := b.sent[key]; ok && key != "" {
		writeJSON(w, http.StatusOK, rpc.SendResponse{ID: id})
		return
	}
	for _, a := range req.Attachments {
		if _, ok := b.blobs[a.Ref]; !ok {
			writeError(w, http.StatusBadRequest, "unknown attachment "+a.Ref)
			return
		}
	}
	m := b.post(s.Identity, req.Recipient, req.Content, req.Attachments)
	if key != "" {
		b.sent[key] = m.ID
	}
	writeJSON(w, http.StatusOK, rpc.SendResponse{ID: m.ID})
}

// modify applies fn to message id if the caller may change it.
func (b *Backend) modify(w http.ResponseWriter, r *http.Request, s auth.Session, fn func(i int)) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.messages, func(m models.Message) bool { return m.ID == id })
	if i < 0 {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if b.messages[i].Sender != s.Identity && s.Role != models.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	fn(i)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) editMessage(w http.ResponseWriter, r *http.Request, s auth.Session) {
	var req rpc.EditRequest
	if !decode(w, r, &req) {
		return
	}
	b.modify(w, r, s, func(i int) {
		b.messages[i].Content = req.Content
	})
}

func (b *Backend) deleteMessage(w http.ResponseWriter, r *http.Request, s auth.Session) {
	b.modify(w, r, s, func(i int) {
		b.messages = slices.Delete(b.messages, i, i+1)
	})
}

func (b *Backend) uploadBlob(w http.ResponseWriter, r *http.Request, s auth.Session) {
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}
	ref := uuid.NewString()
	mime := r.Header.Get("Content-Type")

	b.mu.Lock()
	b.blobs[ref] = blob{mime: mime, data: data}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, models.Attachment{
		Name:     r.Header.Get(rpc.FileNameHeader),
		MimeType: mime,
		Ref:      ref,
		Size:     int64(len(data)),
	})
}

func (b *Backend) getBlob(w http.ResponseWriter, r *http.Request, s auth.Session) {
	b.mu.Lock()
	bl, ok := b.blobs[r.PathValue("ref")]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}
	if bl.mime != "" {
		w.Header().Set("Content-Type", bl.mime)
	}
	_, _ = w.Write(bl.data)
}

func (b *Backend) profile(w http.ResponseWriter, id models.Identity) {
	b.mu.Lock()
	p, ok := b.profiles[id]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (b *Backend) callerProfile(w http.ResponseWriter, r *http.Request, s auth.Session) {
	b.profile(w, s.Identity)
}

func (b *Backend) userProfile(w http.ResponseWriter, r *http.Request, s auth.Session) {
	b.profile(w, models.Identity(r.PathValue("identity")))
}

func (b *Backend) saveProfile(w http.ResponseWriter, r *http.Request, s auth.Session) {
	var p models.UserProfile
	if !decode(w, r, &p) {
		return
	}
	b.SetProfile(s.Identity, p)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) listContacts(w http.ResponseWriter, r *http.Request, s auth.Session) {
	b.mu.Lock()
	contacts := append([]models.Contact{}, b.contacts[s.Identity]...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, contacts)
}

func (b *Backend) addContact(w http.ResponseWriter, r *http.Request, s auth.Session) {
	if s.Role != models.RoleAdmin {
		writeError(w, http.StatusForbidden, "only admins may add contacts")
		return
	}
	var c models.Contact
	if !decode(w, r, &c) {
		return
	}
	if c.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	list := slices.DeleteFunc(b.contacts[s.Identity], func(e models.Contact) bool {
		return e.Identity == c.Identity
	})
	b.contacts[s.Identity] = append(list, c)
	w.WriteHeader(http.StatusNoContent)
}
