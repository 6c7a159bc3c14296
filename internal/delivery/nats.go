package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root turns are published under.
const DefaultSubjectPrefix = "pairsim.conversation"

// NATSSink publishes each turn to <prefix>.<conversation id>.turns. Every
// message carries a unique Nats-Msg-Id header so JetStream can deduplicate.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATSSink connects to url.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("pairsim"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	s := NewNATSSinkFromConn(nc, prefix)
	s.owned = true
	return s, nil
}

// NewNATSSinkFromConn publishes over an existing connection, which the
// caller keeps ownership of.
func NewNATSSinkFromConn(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Subject returns the subject turns of conversationID are published on.
func (s *NATSSink) Subject(conversationID string) string {
	return fmt.Sprintf("%s.%s.turns", s.prefix, conversationID)
}

func (s *NATSSink) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := nats.NewMsg(s.Subject(n.ConversationID))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	if err := s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish turn %d of %s: %w", n.Turn, n.ConversationID, err)
	}
	return nil
}

// Close drains the connection if the sink opened it.
func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.nc.Drain()
}
