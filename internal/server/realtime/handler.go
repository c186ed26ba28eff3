package realtime

import (
	"net/http"
	"strings"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/server/auth"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter exposes the websocket endpoint at /ws and a liveness probe at
// /healthz. Clients authenticate with an access token passed either as the
// access_token query parameter or as a bearer Authorization header.
func NewRouter(h *Hub, secretKey []byte) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.ParseToken(tokenFromRequest(r), secretKey)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeWs(w, r, id)
	}).Methods(http.MethodGet)
	return r
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get(common.AccessTokenHeaderName); t != "" {
		return t
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

// ServeWs upgrades the request and registers the connection for id.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	tenant := id.TenantID
	if tenant == "" {
		tenant = h.defaultTenant
	}
	c := &Client{
		hub:    h,
		conn:   conn,
		userID: id.UserID,
		tenant: tenant,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]bool),
	}
	if !post(h, h.register, c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
