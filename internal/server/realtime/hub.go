package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 4096
	sendBuffer     = 64
)

// control is a client-to-server frame.
type control struct {
	Action string `json:"action"`
	RoomID string `json:"roomId"`
}

type roomCmd struct {
	client *Client
	roomID string
	join   bool
}

type delivery struct {
	tenant  string
	userID  string
	roomID  string
	exclude string
	data    []byte
}

// Hub owns every connection. All membership state is touched only by the
// Run goroutine.
type Hub struct {
	defaultTenant string
	log           logging.Logger

	register   chan *Client
	unregister chan *Client
	rooms      chan roomCmd
	deliver    chan delivery
	inspect    chan func()
	done       chan struct{}

	clients map[string]map[*Client]bool // tenant/user -> clients
	members map[string]map[*Client]bool // tenant/room -> clients
}

func NewHub(defaultTenant string, l logging.Logger) *Hub {
	return &Hub{
		defaultTenant: defaultTenant,
		log:           l.With("module", "realtime"),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		rooms:         make(chan roomCmd),
		deliver:       make(chan delivery, 256),
		inspect:       make(chan func()),
		done:          make(chan struct{}),
		clients:       make(map[string]map[*Client]bool),
		members:       make(map[string]map[*Client]bool),
	}
}

func scoped(tenant, id string) string { return tenant + "/" + id }

// Run processes hub events until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					h.drop(c)
				}
			}
			return
		case c := <-h.register:
			key := scoped(c.tenant, c.userID)
			if h.clients[key] == nil {
				h.clients[key] = make(map[*Client]bool)
			}
			h.clients[key][c] = true
			h.log.Debug(ctx, "client connected", "user_id", c.userID, "tenant_id", c.tenant)
		case c := <-h.unregister:
			h.drop(c)
		case cmd := <-h.rooms:
			h.applyRoom(cmd)
		case d := <-h.deliver:
			h.dispatch(ctx, d)
		case fn := <-h.inspect:
			fn()
		}
	}
}

func (h *Hub) applyRoom(cmd roomCmd) {
	key := scoped(cmd.client.tenant, cmd.roomID)
	if cmd.join {
		if _, live := h.clients[scoped(cmd.client.tenant, cmd.client.userID)][cmd.client]; !live {
			return
		}
		if h.members[key] == nil {
			h.members[key] = make(map[*Client]bool)
		}
		h.members[key][cmd.client] = true
		cmd.client.rooms[cmd.roomID] = true
		return
	}
	delete(h.members[key], cmd.client)
	delete(cmd.client.rooms, cmd.roomID)
	if len(h.members[key]) == 0 {
		delete(h.members, key)
	}
}

func (h *Hub) dispatch(ctx context.Context, d delivery) {
	var targets map[*Client]bool
	if d.roomID != "" {
		targets = h.members[scoped(d.tenant, d.roomID)]
	} else {
		targets = h.clients[scoped(d.tenant, d.userID)]
	}
	for c := range targets {
		if d.exclude != "" && c.userID == d.exclude {
			continue
		}
		select {
		case c.send <- d.data:
		default:
			h.log.Warn(ctx, "dropping slow client", "user_id", c.userID)
			h.drop(c)
		}
	}
}

// drop removes c from every index and closes its send queue once.
func (h *Hub) drop(c *Client) {
	key := scoped(c.tenant, c.userID)
	if _, ok := h.clients[key][c]; !ok {
		return
	}
	delete(h.clients[key], c)
	if len(h.clients[key]) == 0 {
		delete(h.clients, key)
	}
	for room := range c.rooms {
		rk := scoped(c.tenant, room)
		delete(h.members[rk], c)
		if len(h.members[rk]) == 0 {
			delete(h.members, rk)
		}
	}
	close(c.send)
}

func (h *Hub) enqueue(ctx context.Context, d delivery) error {
	select {
	case h.deliver <- d:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands a client event to the Run goroutine unless it has exited.
func post[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) SendToUser(ctx context.Context, userID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return h.enqueue(ctx, delivery{tenant: common.TenantFromContext(ctx, h.defaultTenant), userID: userID, data: data})
}

func (h *Hub) BroadcastToRoom(ctx context.Context, roomID, excludeUserID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return h.enqueue(ctx, delivery{
		tenant:  common.TenantFromContext(ctx, h.defaultTenant),
		roomID:  roomID,
		exclude: excludeUserID,
		data:    data,
	})
}

// Client is one websocket connection of an authenticated user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	tenant string
	send   chan []byte
	rooms  map[string]bool
}

func (c *Client) readPump() {
	defer func() {
		post(c.hub, c.hub.unregister, c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxControlSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg control
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.RoomID == "" {
			continue
		}
		switch msg.Action {
		case "join":
			post(c.hub, c.hub.rooms, roomCmd{client: c, roomID: msg.RoomID, join: true})
		case "leave":
			post(c.hub, c.hub.rooms, roomCmd{client: c, roomID: msg.RoomID})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Online reports how many connections userID has in the tenant of ctx.
func (h *Hub) Online(ctx context.Context, userID string) int {
	key := scoped(common.TenantFromContext(ctx, h.defaultTenant), userID)
	return h.query(func() int { return len(h.clients[key]) })
}

// RoomSize reports how many connections joined roomID in the tenant of ctx.
func (h *Hub) RoomSize(ctx context.Context, roomID string) int {
	key := scoped(common.TenantFromContext(ctx, h.defaultTenant), roomID)
	return h.query(func() int { return len(h.members[key]) })
}

func (h *Hub) query(fn func() int) int {
	reply := make(chan int, 1)
	if !post(h, h.inspect, func() { reply <- fn() }) {
		return 0
	}
	return <-reply
}
