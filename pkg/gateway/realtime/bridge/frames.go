package bridge

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// KeepaliveType is the type discriminator of the client-bound keepalive frame.
const KeepaliveType = "keepalive"

type keepaliveFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func encodeKeepalive(now time.Time) []byte {
	b, _ := json.Marshal(keepaliveFrame{Type: KeepaliveType, Timestamp: now.UnixMilli()})
	return b
}

type frame struct {
	messageType int
	data        []byte
}

type envelope struct {
	Type string `json:"type"`
}

// eventType returns the "type" field of a JSON event envelope, or "" when the
// frame is binary or not a JSON object. It never fails the caller.
func eventType(f frame) string {
	if f.messageType != websocket.TextMessage || len(f.data) == 0 {
		return ""
	}
	var env envelope
	if err := json.Unmarshal(f.data, &env); err != nil {
		return ""
	}
	return env.Type
}
