// Package conversation defines the message envelope exchanged between
// personas and the append-only transcript that records it.
package conversation

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// StopToken is the reserved marker a persona emits to end its participation.
const StopToken = "[STOP]"

// IsStop reports whether text carries the stop token anywhere.
func IsStop(text string) bool {
	return strings.Contains(text, StopToken)
}

// StripStop removes every stop token from text.
func StripStop(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, StopToken, ""))
}

// Attachment is an image sent with a message, resolved from the sender's
// catalog when the message was built.
type Attachment struct {
	Ref      string `json:"ref"`
	Meta     string `json:"meta"`
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// Base64 returns the image bytes base64-encoded.
func (a *Attachment) Base64() string {
	if a == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(a.Data)
}

// Message is one turn's content. Messages are values and are never modified
// once built.
type Message struct {
	From  string      `json:"from"`
	To    string      `json:"to"`
	Text  string      `json:"text"`
	Image *Attachment `json:"image,omitempty"`
	Stop  bool        `json:"stop,omitempty"`
}

// NewMessage validates and builds a message. The stop flag is derived from text.
func NewMessage(from, to, text string, image *Attachment) (Message, error) {
	if from == "" || to == "" {
		return Message{}, fmt.Errorf("message needs both sender and recipient")
	}
	if from == to {
		return Message{}, fmt.Errorf("message sender and recipient are both %q", from)
	}
	if image != nil {
		if image.Ref == "" {
			return Message{}, fmt.Errorf("image attachment has no reference")
		}
		if len(image.Data) == 0 {
			return Message{}, fmt.Errorf("image attachment %s has no data", image.Ref)
		}
	}
	return Message{
		From:  from,
		To:    to,
		Text:  text,
		Image: image,
		Stop:  IsStop(text),
	}, nil
}

// HasImage reports whether the message carries an attachment.
func (m Message) HasImage() bool {
	return m.Image != nil
}

// Body renders the message as it appears in a transcript block: the text
// followed by a note of any image sent.
func (m Message) Body() string {
	if m.Image == nil {
		return m.Text
	}
	note := fmt.Sprintf("[sent %s: %s]", m.Image.Ref, m.Image.Meta)
	if m.Text == "" {
		return note
	}
	return m.Text + "\n" + note
}
