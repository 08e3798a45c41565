package transport

// Wire protocol shared by the websocket transport and the gateway. Messages
// follow the Phoenix channel shape: a topic, a protocol event, a payload,
// and caller-assigned refs correlating replies to requests.

// WireMessage is one frame on the socket.
type WireMessage struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref,omitempty"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Protocol events.
const (
	WireEventJoin      = "phx_join"
	WireEventLeave     = "phx_leave"
	WireEventReply     = "phx_reply"
	WireEventClose     = "phx_close"
	WireEventHeartbeat = "heartbeat"
	WireEventBroadcast = "broadcast"
	WireEventPresence  = "presence"
)

// WireTopicControl is the reserved topic for heartbeats.
const WireTopicControl = "phoenix"

// Reply statuses inside a phx_reply payload.
const (
	WireStatusOK    = "ok"
	WireStatusError = "error"
)
