package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"veche/internal/auth"
	"veche/internal/identity"
	"veche/internal/models"
	"veche/internal/notify"
	"veche/internal/ref"
	"veche/internal/storage"
	"veche/internal/upsert"
	"veche/internal/ws"
)

type API struct {
	auth       *auth.Service
	resolver   *identity.Resolver
	engine     *upsert.Engine
	store      *storage.BboltStorage
	dispatcher *notify.Dispatcher
	hub        *ws.Hub
}

func New(authService *auth.Service, resolver *identity.Resolver, engine *upsert.Engine,
	store *storage.BboltStorage, dispatcher *notify.Dispatcher, hub *ws.Hub) *API {
	return &API{
		auth:       authService,
		resolver:   resolver,
		engine:     engine,
		store:      store,
		dispatcher: dispatcher,
		hub:        hub,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth wraps handlers that need a browser session.
func (a *API) RequireAuth(next func(w http.ResponseWriter, r *http.Request, userID int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.UserIDForToken(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

// RequireSameOrigin rejects cross-site cookie-authenticated POSTs.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, models.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrPageNotFound),
		errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrSecretAlreadyUsed),
		errors.Is(err, models.ErrSecretExpired):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type apiCreds struct {
	APIRequesterID int64  `json:"apiRequesterId"`
	APISecret      string `json:"apiSecret"`
}

func (a *API) checkAPICreds(c apiCreds) error {
	return a.auth.CheckAPIAuth(c.APIRequesterID, c.APISecret)
}

// ----- Upsert API

type upsertSimpleRequest struct {
	apiCreds
	upsert.Request
}

// UpsertSimpleHandler is POST /-/v0/upsert-simple: idempotent batch
// create-or-update of pages and posts, authenticated by the sysbot
// requester id and secret.
func (a *API) UpsertSimpleHandler(w http.ResponseWriter, r *http.Request) {
	var req upsertSimpleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.checkAPICreds(req.apiCreds); err != nil {
		writeErr(w, err)
		return
	}

	resp, err := a.engine.Batch(req.Request)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- SSO user upsert + one-time login secrets

type upsertUserRequest struct {
	apiCreds
	ExternalUser models.ExternalUser `json:"externalUser"`
}

type upsertUserResponse struct {
	LoginSecret string `json:"loginSecret"`
	UserID      int64  `json:"userId"`
}

// UpsertUserHandler is POST /-/v0/sso-upsert-user-generate-login-secret:
// creates or refreshes the user behind an external identity and returns a
// single-use login secret for it.
func (a *API) UpsertUserHandler(w http.ResponseWriter, r *http.Request) {
	var req upsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.checkAPICreds(req.apiCreds); err != nil {
		writeErr(w, err)
		return
	}

	user, err := a.resolver.UpsertUser(req.ExternalUser)
	if err != nil {
		writeErr(w, err)
		return
	}
	secret, err := a.auth.IssueLoginSecret(user.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upsertUserResponse{LoginSecret: secret, UserID: user.ID})
}

// LoginWithSecretHandler is GET /-/v0/login-with-secret: redeems a one-time
// secret, establishes the session cookie and redirects to thenGoTo.
func (a *API) LoginWithSecretHandler(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("oneTimeSecret")
	if secret == "" {
		http.Error(w, "oneTimeSecret is required", http.StatusBadRequest)
		return
	}
	thenGoTo := r.URL.Query().Get("thenGoTo")
	// Relative paths only, this must not become an open redirect.
	if thenGoTo == "" || !strings.HasPrefix(thenGoTo, "/") || strings.HasPrefix(thenGoTo, "//") {
		thenGoTo = "/"
	}

	token, _, err := a.auth.RedeemSecret(secret)
	if err != nil {
		writeErr(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Now().Add(a.auth.SessionExpiry),
	})
	http.Redirect(w, r, thenGoTo, http.StatusFound)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

// ----- Pages

type postJSON struct {
	Nr       int             `json:"nr"`
	ParentNr int             `json:"parentNr"`
	PostType models.PostType `json:"postType"`
	Author   string          `json:"author"`
	Body     string          `json:"body"`
}

type pageJSON struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	PageType      models.PageType `json:"pageType"`
	CanonicalPath string          `json:"canonicalPath"`
	NumPostsTotal int             `json:"numPostsTotal"`
	Posts         []postJSON      `json:"posts"`
}

// loadPageChecked loads a page and enforces visibility: private chat pages
// look nonexistent to strangers and non-members.
func (a *API) loadPageChecked(r *http.Request, pageID int64) (models.Page, error) {
	page, err := a.store.GetPage(pageID)
	if err != nil {
		return models.Page{}, err
	}
	if page.PageType == models.PageTypePrivateChat {
		userID, err := a.auth.UserIDForToken(a.getToken(r))
		if err != nil || !page.IsMember(userID) {
			return models.Page{}, models.ErrPageNotFound
		}
	}
	return page, nil
}

func (a *API) pageToJSON(page models.Page) (pageJSON, error) {
	posts, err := a.store.ListPosts(page.ID)
	if err != nil {
		return pageJSON{}, err
	}
	result := pageJSON{
		ID:            strconv.FormatInt(page.ID, 10),
		Title:         page.Title,
		PageType:      page.PageType,
		CanonicalPath: page.CanonicalPath(),
		NumPostsTotal: page.NumPostsTotal,
	}
	usernames := make(map[int64]string)
	for _, post := range posts {
		name, ok := usernames[post.AuthorID]
		if !ok {
			if author, err := a.store.GetUser(post.AuthorID); err == nil {
				name = author.Username
			}
			usernames[post.AuthorID] = name
		}
		result.Posts = append(result.Posts, postJSON{
			Nr:       post.Nr,
			ParentNr: post.ParentNr,
			PostType: post.PostType,
			Author:   name,
			Body:     post.Body,
		})
	}
	return result, nil
}

// GetPageHandler is GET /-/v0/pages/{pageId}.
func (a *API) GetPageHandler(w http.ResponseWriter, r *http.Request) {
	pageID, err := strconv.ParseInt(r.PathValue("pageId"), 10, 64)
	if err != nil {
		http.Error(w, "Bad page id", http.StatusBadRequest)
		return
	}
	page, err := a.loadPageChecked(r, pageID)
	if err != nil {
		writeErr(w, err)
		return
	}
	result, err := a.pageToJSON(page)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ----- In-app chat messages

type postChatMessageRequest struct {
	Body        string              `json:"body"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// PostChatMessageHandler is POST /-/v0/pages/{pageId}/chat-messages: the
// in-app reply path. Members only; notifies the other members exactly like
// an upserted message would.
func (a *API) PostChatMessageHandler(w http.ResponseWriter, r *http.Request, userID int64) {
	pageID, err := strconv.ParseInt(r.PathValue("pageId"), 10, 64)
	if err != nil {
		http.Error(w, "Bad page id", http.StatusBadRequest)
		return
	}

	var req postChatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		http.Error(w, "Empty message", http.StatusBadRequest)
		return
	}

	post, err := a.PostChatMessage(pageID, userID, req.Body, req.Attachments)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// PostChatMessage appends a chat message, fans out notifications and live
// updates. Shared by the HTTP handler and the websocket path.
func (a *API) PostChatMessage(pageID, userID int64, body string, attachments []models.Attachment) (models.Post, error) {
	page, err := a.store.GetPage(pageID)
	if err != nil {
		return models.Post{}, err
	}
	if !page.IsMember(userID) {
		return models.Post{}, models.ErrPageNotFound
	}
	author, err := a.store.GetUser(userID)
	if err != nil {
		return models.Post{}, err
	}

	post, err := a.store.AppendChatMessage(pageID, userID, body, attachments, time.Now().Unix())
	if err != nil {
		return models.Post{}, err
	}
	page.NumPostsTotal++

	a.dispatcher.Enqueue(notify.Event{Page: page, Post: post, Author: author})
	a.hub.BroadcastNewPost(page, post, author.Username)
	return post, nil
}

// MeHandler returns the logged-in user.
func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, userID int64) {
	user, err := a.store.GetUser(userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ResolvePageHandler maps an external page ref (extid:..., id:...) to the
// page's id and canonical path, with the same visibility rules as the page
// itself.
func (a *API) ResolvePageHandler(w http.ResponseWriter, r *http.Request) {
	pageRef, err := ref.Parse(r.URL.Query().Get("ref"))
	if err != nil {
		writeErr(w, err)
		return
	}
	page, err := a.resolver.Page(pageRef)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := a.loadPageChecked(r, page.ID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":            strconv.FormatInt(page.ID, 10),
		"canonicalPath": page.CanonicalPath(),
	})
}
