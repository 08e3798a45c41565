package gateway

import (
	"context"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/fleetlink/realtime/src/broker"
	"github.com/fleetlink/realtime/src/transport"
	"github.com/fleetlink/realtime/src/types"
	"github.com/rs/zerolog"
)

// session owns one remote socket: it joins broker channels on the client's
// behalf and relays frames in both directions.
type session struct {
	id     string
	conn   *websocket.Conn
	broker *broker.Broker
	logger zerolog.Logger

	writeMu  sync.Mutex
	mu       sync.Mutex
	channels map[string]transport.Channel
}

func newSession(id string, conn *websocket.Conn, b *broker.Broker, logger zerolog.Logger) *session {
	return &session{
		id:       id,
		conn:     conn,
		broker:   b,
		logger:   logger.With().Str("session_id", id).Logger(),
		channels: make(map[string]transport.Channel),
	}
}

// run reads frames until the socket drops, then releases every joined
// channel.
func (s *session) run() {
	s.logger.Info().Msg("session started")
	defer s.teardown()

	for {
		var msg transport.WireMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg transport.WireMessage) {
	switch msg.Event {
	case transport.WireEventHeartbeat:
		s.reply(msg, true, "")
	case transport.WireEventJoin:
		s.handleJoin(msg)
	case transport.WireEventLeave:
		s.handleLeave(msg)
	case transport.WireEventBroadcast:
		s.handleBroadcast(msg)
	case transport.WireEventPresence:
		s.handlePresence(msg)
	default:
		s.logger.Debug().Str("event", msg.Event).Msg("unknown wire event")
	}
}

func (s *session) handleJoin(msg transport.WireMessage) {
	topic := msg.Topic

	s.mu.Lock()
	if _, already := s.channels[topic]; already {
		s.mu.Unlock()
		s.reply(msg, true, "")
		return
	}
	s.mu.Unlock()

	broadcastSelf, _ := msg.Payload["broadcast_self"].(bool)
	broadcastAck, _ := msg.Payload["broadcast_ack"].(bool)
	presenceKey, _ := msg.Payload["presence_key"].(string)

	ch := s.broker.Channel(topic, transport.ChannelConfig{
		BroadcastSelf: broadcastSelf,
		BroadcastAck:  broadcastAck,
		PresenceKey:   presenceKey,
	})

	ch.On(transport.KindBroadcast, nil, func(payload map[string]any) {
		s.write(transport.WireMessage{
			Topic:   topic,
			Event:   transport.WireEventBroadcast,
			Payload: payload,
		})
	})
	ch.OnPresence(func(ev types.PresenceEvent) {
		s.write(transport.WireMessage{
			Topic: topic,
			Event: transport.WireEventPresence,
			Payload: map[string]any{
				"kind":  string(ev.Kind),
				"key":   ev.Key,
				"state": map[string]any(ev.State),
			},
		})
	})

	joinMsg := msg
	ch.Subscribe(func(status transport.AckStatus, err error) {
		switch status {
		case transport.AckSubscribed:
			s.reply(joinMsg, true, "")
		case transport.AckChannelError:
			reason := "join failed"
			if err != nil {
				reason = err.Error()
			}
			s.reply(joinMsg, false, reason)
		case transport.AckClosed:
			s.write(transport.WireMessage{
				Topic:   topic,
				Event:   transport.WireEventClose,
				Payload: map[string]any{},
			})
		}
	})

	s.mu.Lock()
	s.channels[topic] = ch
	s.mu.Unlock()
}

func (s *session) handleLeave(msg transport.WireMessage) {
	s.mu.Lock()
	ch, ok := s.channels[msg.Topic]
	delete(s.channels, msg.Topic)
	s.mu.Unlock()

	if ok {
		_ = s.broker.RemoveChannel(ch)
	}
	s.reply(msg, true, "")
}

func (s *session) handleBroadcast(msg transport.WireMessage) {
	s.mu.Lock()
	ch, ok := s.channels[msg.Topic]
	s.mu.Unlock()
	if !ok {
		s.reply(msg, false, "not joined")
		return
	}

	event, _ := msg.Payload["event"].(string)
	inner, _ := msg.Payload["payload"].(map[string]any)
	status, err := ch.Send(context.Background(), types.NewBroadcast(event, inner))
	if err != nil || status != transport.SendOK {
		reason := status
		if err != nil {
			reason = err.Error()
		}
		s.reply(msg, false, reason)
		return
	}
	s.reply(msg, true, "")
}

func (s *session) handlePresence(msg transport.WireMessage) {
	s.mu.Lock()
	ch, ok := s.channels[msg.Topic]
	s.mu.Unlock()
	if !ok {
		s.reply(msg, false, "not joined")
		return
	}

	kind, _ := msg.Payload["type"].(string)
	switch kind {
	case "track":
		state, _ := msg.Payload["state"].(map[string]any)
		if err := ch.Track(context.Background(), types.PresenceState(state)); err != nil {
			s.reply(msg, false, err.Error())
			return
		}
	case "untrack":
		if err := ch.Untrack(context.Background()); err != nil {
			s.reply(msg, false, err.Error())
			return
		}
	default:
		s.reply(msg, false, "unknown presence op")
		return
	}
	s.reply(msg, true, "")
}

func (s *session) reply(to transport.WireMessage, ok bool, reason string) {
	status := transport.WireStatusOK
	if !ok {
		status = transport.WireStatusError
	}
	payload := map[string]any{"status": status}
	if reason != "" {
		payload["reason"] = reason
	}
	s.write(transport.WireMessage{
		Topic:   to.Topic,
		Event:   transport.WireEventReply,
		Payload: payload,
		Ref:     to.Ref,
		JoinRef: to.JoinRef,
	})
}

func (s *session) write(msg transport.WireMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Msg("session write failed")
	}
}

func (s *session) teardown() {
	s.mu.Lock()
	chans := make([]transport.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.channels = make(map[string]transport.Channel)
	s.mu.Unlock()

	for _, ch := range chans {
		_ = s.broker.RemoveChannel(ch)
	}
	_ = s.conn.Close()
	s.logger.Info().Msg("session ended")
}
