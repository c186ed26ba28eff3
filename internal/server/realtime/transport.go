// Package realtime pushes notifications to connected users over websockets.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dmitrijs2005/securemsg/internal/common"
)

// Frame is the envelope written to websocket clients.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Transport delivers frames to online users. Delivery is best effort: users
// without a live connection simply miss the push and rely on the broker.
type Transport interface {
	SendToUser(ctx context.Context, userID string, frame Frame) error
	BroadcastToRoom(ctx context.Context, roomID, excludeUserID string, frame Frame) error
}

// Delivery is one push captured by Recorder. Tenant is the tenant of the
// pushing context.
type Delivery struct {
	Tenant  string
	UserID  string
	RoomID  string
	Exclude string
	Frame   Frame
}

// Recorder is a Transport that remembers every push.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	Err        error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) SendToUser(ctx context.Context, userID string, frame Frame) error {
	return r.add(Delivery{Tenant: common.TenantFromContext(ctx, ""), UserID: userID, Frame: frame})
}

func (r *Recorder) BroadcastToRoom(ctx context.Context, roomID, excludeUserID string, frame Frame) error {
	return r.add(Delivery{Tenant: common.TenantFromContext(ctx, ""), RoomID: roomID, Exclude: excludeUserID, Frame: frame})
}

func (r *Recorder) add(d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// ForUser returns the frames pushed directly to userID.
func (r *Recorder) ForUser(userID string) []Frame {
	var out []Frame
	for _, d := range r.Deliveries() {
		if d.UserID == userID {
			out = append(out, d.Frame)
		}
	}
	return out
}
