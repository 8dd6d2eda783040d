package api

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/auth"
)

// Handlers groups everything the router serves.
type Handlers struct {
	Accounts  *AccountsHandler
	Topics    *TopicsHandler
	Drafts    *DraftsHandler
	WebSocket *WebSocketHandler
}

// NewRouter wires the command surface. Every route except the root and the
// WebSocket (which authenticates itself) requires the bearer token.
func NewRouter(h Handlers, token string, log zerolog.Logger) http.Handler {
	protect := auth.RequireAuth(token, log)
	mux := http.NewServeMux()

	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, protect(fn))
	}

	mux.HandleFunc("GET /{$}", handleRoot)

	route("POST /api/v1/accounts", h.Accounts.Create)
	route("GET /api/v1/accounts", h.Accounts.List)
	route("DELETE /api/v1/accounts/{id}", h.Accounts.Delete)
	route("PUT /api/v1/accounts/{id}/signatures", h.Accounts.PutSignatures)
	route("POST /api/v1/accounts/{id}/drafts", h.Drafts.StartNew)

	route("GET /api/v1/topics", h.Topics.List)
	route("DELETE /api/v1/topics/{id}", h.Topics.Delete)

	route("POST /api/v1/topics/{id}/draft", h.Drafts.Start)
	route("GET /api/v1/topics/{id}/draft", h.Drafts.Get)
	route("PATCH /api/v1/topics/{id}/draft", h.Drafts.SetField)
	route("DELETE /api/v1/topics/{id}/draft", h.Drafts.Cancel)
	route("POST /api/v1/topics/{id}/draft/body", h.Drafts.AppendBody)
	route("POST /api/v1/topics/{id}/draft/attachments", h.Drafts.AddAttachment)
	route("DELETE /api/v1/topics/{id}/draft/attachments/{att}", h.Drafts.RemoveAttachment)
	route("PUT /api/v1/topics/{id}/draft/signature", h.Drafts.SetSignature)
	route("POST /api/v1/topics/{id}/draft/send", h.Drafts.Send)

	mux.HandleFunc("GET /api/v1/ws", h.WebSocket.Handle)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "vbridge is running")
}
