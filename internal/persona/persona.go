// Package persona drives one simulated party of a conversation: it turns the
// transcript it has observed into a prompt and the model's reply into a
// message.
package persona

import (
	"context"
	"fmt"
	"sync"

	"github.com/apresai/pairsim/internal/conversation"
	"github.com/apresai/pairsim/internal/gateway"
	"github.com/apresai/pairsim/internal/profile"
)

// Persona is one party to a conversation. Its transcript only grows through
// TalkTo and Receive.
type Persona struct {
	profile    profile.Profile
	gateway    gateway.Gateway
	transcript conversation.Transcript

	mu      sync.Mutex
	partner string
}

// New creates a persona speaking for p through gw.
func New(p profile.Profile, gw gateway.Gateway) *Persona {
	return &Persona{profile: p, gateway: gw}
}

// ID returns the persona's identity, its profile ID.
func (p *Persona) ID() string { return p.profile.ID }

// Profile returns the persona's profile.
func (p *Persona) Profile() profile.Profile { return p.profile }

// Transcript returns a copy of the messages the persona has observed.
func (p *Persona) Transcript() []conversation.Message { return p.transcript.Messages() }

// Parts returns the gateway input for the persona's next turn.
func (p *Persona) Parts() []gateway.Part {
	return BuildParts(p.profile, p.transcript.Messages())
}

// GenerateTurn asks the model for the persona's next message to its partner.
// A selected image is resolved against the persona's own catalog; an unknown
// reference fails the turn with profile.ErrUnknownImage.
func (p *Persona) GenerateTurn(ctx context.Context) (conversation.Message, error) {
	partner := p.partnerID()
	if partner == "" {
		return conversation.Message{}, fmt.Errorf("persona %s has no conversation partner", p.ID())
	}

	raw, err := p.gateway.Submit(ctx, p.Parts()...)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("persona %s: generate turn: %w", p.ID(), err)
	}
	reply := ParseReply(raw)

	var image *conversation.Attachment
	if reply.Image != "" {
		img, err := p.profile.Images.Resolve(reply.Image)
		if err != nil {
			return conversation.Message{}, fmt.Errorf("persona %s: %w", p.ID(), err)
		}
		image = &conversation.Attachment{
			Ref:      img.Key,
			Meta:     img.Meta(),
			Data:     img.Data,
			MIMEType: img.MIMEType,
		}
	}

	msg, err := conversation.NewMessage(p.ID(), partner, reply.Text, image)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("persona %s: %w", p.ID(), err)
	}
	return msg, nil
}

// TalkTo records msg as sent by p and delivers it to other.
func (p *Persona) TalkTo(other *Persona, msg conversation.Message) error {
	if msg.From != p.ID() || msg.To != other.ID() {
		return fmt.Errorf("message %s->%s cannot be sent from %s to %s", msg.From, msg.To, p.ID(), other.ID())
	}
	p.setPartner(other.ID())
	p.transcript.Append(msg)
	other.Receive(msg)
	return nil
}

// Receive records a message sent to p.
func (p *Persona) Receive(msg conversation.Message) {
	p.setPartner(msg.From)
	p.transcript.Append(msg)
}

func (p *Persona) partnerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.partner
}

func (p *Persona) setPartner(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partner = id
}
