package persona

import (
	"fmt"
	"strings"

	"github.com/apresai/pairsim/internal/conversation"
	"github.com/apresai/pairsim/internal/gateway"
	"github.com/apresai/pairsim/internal/profile"
)

const directive = `You are a conversation emulator. You emulate one person based on their profile and try to reproduce everything about them: mannerisms, tone, personality and texting style.
Do not make things up that the profile does not support, and do not talk in a way the profile would not.
You are talking to another conversation emulator. Each message in the history is labelled with the id of its sender; your id is %s.
If the profile includes chat logs, use them only as a reference for style. Never repeat messages from them.
You may end the conversation when the profile suggests this person would (for example, an introvert who has had enough) by including [STOP] in your message.
You may share one of your available images when it fits the conversation naturally.

Reply format:
TEXT: <your message>
IMAGE: <image key, only when sharing an image>

Output only your message. Do not prefix it with your name.`

// BuildPrompt renders the prompt text for self given the transcript it has
// observed.
func BuildPrompt(self profile.Profile, history []conversation.Message) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, directive, self.ID)
	sb.WriteString("\n\n[PROFILE]\n")
	sb.WriteString(strings.TrimSpace(self.Description))
	sb.WriteString("\n\n[AVAILABLE IMAGES]\n")
	if self.Images.Len() == 0 {
		sb.WriteString("none\n")
	} else {
		sb.WriteString(self.Images.Listing())
	}
	sb.WriteString("\n[MESSAGE HISTORY]\n")
	for _, m := range history {
		fmt.Fprintf(&sb, "%s\n%s\n", m.From, m.Body())
	}
	return sb.String()
}

// BuildParts returns the full gateway input: the prompt text followed by
// every image exchanged in the transcript.
func BuildParts(self profile.Profile, history []conversation.Message) []gateway.Part {
	parts := []gateway.Part{gateway.Text(BuildPrompt(self, history))}
	for _, m := range history {
		if m.Image != nil {
			parts = append(parts, gateway.Image(m.Image.Data, m.Image.MIMEType))
		}
	}
	return parts
}
