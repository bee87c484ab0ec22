package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"veche/internal/auth"
	"veche/internal/identity"
	"veche/internal/models"
	"veche/internal/storage"
)

// AdminHandler serves the operator API on its own listener: the sent-email
// side channel, push subscription registration, and user bootstrap.
type AdminHandler struct {
	authService *auth.Service
	resolver    *identity.Resolver
	store       *storage.BboltStorage
	baseURL     string
	password    string
}

func NewAdminHandler(authService *auth.Service, resolver *identity.Resolver,
	store *storage.BboltStorage, baseURL, password string) *AdminHandler {
	return &AdminHandler{
		authService: authService,
		resolver:    resolver,
		store:       store,
		baseURL:     baseURL,
		password:    password,
	}
}

func (h *AdminHandler) RequireBasicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte("admin")) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="veche admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type listEmailsResponse struct {
	Num    int                `json:"num"`
	Emails []models.SentEmail `json:"emails"`
}

// ListEmailsHandler is GET /admin/emails?to=<addr>: every notification
// email the server has sent, oldest first. This is what external checks
// (and the e2e tests) poll instead of a real inbox.
func (h *AdminHandler) ListEmailsHandler(w http.ResponseWriter, r *http.Request) {
	emails, err := h.store.ListSentEmails(r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, listEmailsResponse{Num: len(emails), Emails: emails})
}

type adminUpsertUserRequest struct {
	ExternalUser models.ExternalUser `json:"externalUser"`
}

type adminUpsertUserResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Username  string `json:"username,omitempty"`
	LoginLink string `json:"loginLink,omitempty"`
}

// UpsertUserHandler is POST /admin/users: upserts an external user and
// returns a ready-to-share one-time login link.
func (h *AdminHandler) UpsertUserHandler(w http.ResponseWriter, r *http.Request) {
	var req adminUpsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.resolver.UpsertUser(req.ExternalUser)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, adminUpsertUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to upsert user: %v", err),
		})
		return
	}
	secret, err := h.authService.IssueLoginSecret(user.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, adminUpsertUserResponse{
		Success:  true,
		Username: user.Username,
		LoginLink: fmt.Sprintf("%s/-/v0/login-with-secret?oneTimeSecret=%s&thenGoTo=/",
			h.baseURL, secret),
	})
}

type pushSubRequest struct {
	UserID   int64  `json:"userId"`
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushSubscriptionHandler is POST /admin/push-subscriptions.
func (h *AdminHandler) PushSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req pushSubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 || req.Endpoint == "" {
		http.Error(w, "userId and endpoint are required", http.StatusBadRequest)
		return
	}
	err := h.store.PutPushSubscription(storage.PushSubscription{
		UserID:   req.UserID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
