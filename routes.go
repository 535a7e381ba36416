package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"prismachat/internal/auth"
	"prismachat/internal/chat"
	"prismachat/internal/store"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 4
	maxJSONBody    = 1 << 20
)

// server holds what the HTTP and websocket handlers share.
type server struct {
	cfg      Config
	store    store.Store
	hub      *chat.Hub
	issuer   *auth.Issuer
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

func newServer(cfg Config, st store.Store, hub *chat.Hub, issuer *auth.Issuer, gatherer prometheus.Gatherer, logger *zap.Logger) *server {
	s := &server{
		cfg:      cfg,
		store:    st,
		hub:      hub,
		issuer:   issuer,
		logger:   logger,
		gatherer: gatherer,
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     origins.check,
	}
	return s
}

// Registers all HTTP routes and handlers
func (s *server) registerRoutes(r *mux.Router) {
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api.HandleFunc("/auth/register", s.register).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)
	api.Handle("/auth/verify", s.protect(s.verify)).Methods(http.MethodGet)

	api.HandleFunc("/categories", s.listCategories).Methods(http.MethodGet)
	api.Handle("/categories", s.protect(s.createCategory)).Methods(http.MethodPost)
	api.Handle("/categories/{id:[0-9]+}", s.protect(s.updateCategory)).Methods(http.MethodPut)
	api.Handle("/categories/{id:[0-9]+}", s.protect(s.deleteCategory)).Methods(http.MethodDelete)

	api.HandleFunc("/channels", s.listChannels).Methods(http.MethodGet)
	api.Handle("/channels", s.protect(s.createChannel)).Methods(http.MethodPost)
	api.Handle("/channels/{id:[0-9]+}", s.protect(s.updateChannel)).Methods(http.MethodPut)
	api.Handle("/channels/{id:[0-9]+}", s.protect(s.deleteChannel)).Methods(http.MethodDelete)
	api.Handle("/channels/{id:[0-9]+}/category", s.protect(s.moveChannel)).Methods(http.MethodPut)

	api.HandleFunc("/messages/{channelId:[0-9]+}", s.listMessages).Methods(http.MethodGet)

	api.HandleFunc("/users/{username}", s.getUser).Methods(http.MethodGet)
	api.Handle("/users/{username}/profile-image", s.protect(s.updateProfileImage)).Methods(http.MethodPost)

	api.HandleFunc("/ws", s.serveWs)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Catch-all: the browser client
	r.PathPrefix("/").Handler(serveWebApp(s.cfg.PublicDir))
}

func (s *server) protect(h http.HandlerFunc) http.Handler {
	return s.issuer.Require(h)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps an operation error to its HTTP status.
func (s *server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case chat.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, chat.PublicMessage(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, limit int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusBadRequest, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return id, true
}

func optionalID(id *chat.ID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

// --- handlers ---

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

func (s *server) register(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if !decodeJSON(w, r, &creds, maxJSONBody) {
		return
	}
	username := strings.TrimSpace(creds.Username)
	switch {
	case len(username) < minUsernameLen:
		writeError(w, http.StatusBadRequest, "username must be at least 3 characters")
		return
	case len(username) > maxUsernameLen:
		writeError(w, http.StatusBadRequest, "username must be at most 32 characters")
		return
	case len(creds.Password) < minPasswordLen:
		writeError(w, http.StatusBadRequest, "password must be at least 4 characters")
		return
	}

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	u, err := s.store.CreateUser(r.Context(), username, hash)
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, "username is already taken")
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	token, err := s.issuer.Sign(u.ID, u.Username)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("registered new user", zap.String("username", u.Username))
	writeJSON(w, http.StatusCreated, authResponse{Success: true, Username: u.Username, Token: token})
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if !decodeJSON(w, r, &creds, maxJSONBody) {
		return
	}
	username := strings.TrimSpace(creds.Username)
	if username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	u, err := s.store.GetUser(r.Context(), username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeFailure(w, r, err)
		return
	}
	if err != nil || !auth.CheckPassword(u.PasswordHash, creds.Password) {
		if err == nil && !u.HasPassword() {
			s.logger.Info("login refused for account without password", zap.String("username", username))
		}
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	token, err := s.issuer.Sign(u.ID, u.Username)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Success: true, Username: u.Username, Token: token})
}

func (s *server) verify(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, authResponse{Success: true, Username: claims.Username})
}

func (s *server) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.store.ListCategories(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

type categoryRequest struct {
	Name string `json:"name"`
}

func (s *server) createCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decodeJSON(w, r, &req, maxJSONBody) {
		return
	}
	c, err := s.hub.CreateCategory(r.Context(), req.Name)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *server) updateCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req categoryRequest
	if !decodeJSON(w, r, &req, maxJSONBody) {
		return
	}
	c, err := s.hub.UpdateCategory(r.Context(), id, req.Name)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *server) deleteCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := s.hub.DeleteCategory(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *server) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

type channelRequest struct {
	Name        string   `json:"name"`
	ChannelName string   `json:"channelName"`
	Description string   `json:"description"`
	CategoryID  *chat.ID `json:"categoryId"`
}

func (s *server) createChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !decodeJSON(w, r, &req, maxJSONBody) {
		return
	}
	name := req.Name
	if name == "" {
		name = req.ChannelName
	}
	ch, err := s.hub.CreateChannel(r.Context(), name, req.Description, optionalID(req.CategoryID))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *server) updateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req channelRequest
	if !decodeJSON(w, r, &req, maxJSONBody) {
		return
	}
	ch, err := s.hub.UpdateChannel(r.Context(), id, req.Name, req.Description)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *server) deleteChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ch, err := s.hub.DeleteChannel(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *server) moveChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req channelRequest
	if !decodeJSON(w, r, &req, maxJSONBody) {
		return
	}
	ch, err := s.hub.MoveChannel(r.Context(), id, optionalID(req.CategoryID))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// listMessages returns the most recent history of a channel, oldest first.
// ?limit may lower the configured page size but never raise it.
func (s *server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "channelId")
	if !ok {
		return
	}
	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	if _, err := s.store.GetChannel(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type profileImageRequest struct {
	ImageData string `json:"imageData"`
}

func (s *server) updateProfileImage(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	claims, _ := auth.FromContext(r.Context())
	if claims == nil || claims.Username != username {
		writeError(w, http.StatusForbidden, "you can only change your own profile image")
		return
	}

	var req profileImageRequest
	if !decodeJSON(w, r, &req, int64(s.cfg.ProfileImageMax)+maxJSONBody) {
		return
	}
	switch {
	case req.ImageData == "":
		writeError(w, http.StatusBadRequest, "imageData is required")
		return
	case len(req.ImageData) > s.cfg.ProfileImageMax:
		writeError(w, http.StatusBadRequest, "image too large")
		return
	}
	if _, err := s.hub.UpdateProfileImage(r.Context(), username, req.ImageData); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "profile image updated"})
}
