package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"veche/internal/api"
	"veche/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, filesAPI *api.FilesAPI, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	// Canonical page URLs (/-<id>/<slug>) live under the root.
	mux.HandleFunc("/", apiHandlers.PageServeHandler)

	// The machine-to-machine API the external system drives.
	mux.HandleFunc("POST /-/v0/upsert-simple", apiHandlers.UpsertSimpleHandler)
	mux.HandleFunc("POST /-/v0/sso-upsert-user-generate-login-secret", apiHandlers.UpsertUserHandler)
	mux.HandleFunc("GET /-/v0/login-with-secret", apiHandlers.LoginWithSecretHandler)

	// Browser-facing endpoints.
	mux.HandleFunc("GET /-/v0/pages/{pageId}", apiHandlers.GetPageHandler)
	mux.HandleFunc("GET /-/v0/resolve-page", apiHandlers.ResolvePageHandler)
	mux.HandleFunc("POST /-/v0/pages/{pageId}/chat-messages",
		api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PostChatMessageHandler)))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("POST /api/upload",
		api.RequireSameOrigin(apiHandlers.RequireAuth(filesAPI.UploadHandler)))
	mux.HandleFunc("GET /api/files/{id}", filesAPI.GetFileHandler)

	// WebSocket endpoint for live page updates.
	mux.HandleFunc("/api/live", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
