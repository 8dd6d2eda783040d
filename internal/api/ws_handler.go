package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/auth"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/logging"
	ws "github.com/vdavid/vbridge/internal/websocket"
)

// WebSocketHandler handles /api/v1/ws, the per-account event stream.
type WebSocketHandler struct {
	pool  *pgxpool.Pool
	hub   *ws.Hub
	token string
	log   zerolog.Logger
}

func NewWebSocketHandler(pool *pgxpool.Pool, hub *ws.Hub, token string, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		pool:  pool,
		hub:   hub,
		token: token,
		log:   logging.Component(log, "api.ws"),
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Expected to run behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle authenticates, upgrades and registers the connection with the Hub.
// Browsers cannot set headers on WebSocket requests, so the token may come
// as ?token=; the Authorization header is accepted too.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r)
	}
	if !auth.ValidToken(h.token, token) {
		h.log.Debug().Msg("rejected subscriber with missing or invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		WriteError(w, h.log, apperr.Validation("account_id", "", "query parameter is required"))
		return
	}
	if _, err := db.GetAccount(r.Context(), h.pool, accountID); err != nil {
		WriteError(w, h.log, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("account_id", accountID).Msg("failed to upgrade connection")
		return
	}

	client := h.hub.Register(accountID, conn)
	if client == nil {
		return
	}
	h.log.Debug().Str("account_id", accountID).Int("subscribers", h.hub.ActiveConnections(accountID)).Msg("subscriber connected")

	go h.readLoop(accountID, client)
}

// readLoop drains the connection until it closes, then unregisters it.
func (h *WebSocketHandler) readLoop(accountID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(accountID, client)
	h.log.Debug().Str("account_id", accountID).Msg("subscriber disconnected")
}
