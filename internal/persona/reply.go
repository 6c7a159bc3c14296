package persona

import (
	"regexp"
	"strings"

	"github.com/apresai/pairsim/internal/conversation"
)

var (
	textMarkerRe  = regexp.MustCompile(`(?i)^\s*TEXT:`)
	imageMarkerRe = regexp.MustCompile(`(?i)IMAGE:\s*(image_\d+)`)
	bareImageRe   = regexp.MustCompile(`(?i)\b(image_\d+)\b`)
)

// Reply is a model reply parsed into the fields of a message.
type Reply struct {
	Text  string
	Image string
	Stop  bool
}

// ParseReply applies the reply grammar line by line: an optional leading
// TEXT: marker is dropped, an IMAGE: image_<n> reference (or failing that a
// bare image_<n>) is recorded and cut out, and the remaining fragments are
// joined with single spaces. The last reference found wins. A reply with no
// text yields an empty Reply, never an error.
func ParseReply(raw string) Reply {
	var (
		fragments []string
		image     string
	)
	for _, line := range strings.Split(raw, "\n") {
		line = textMarkerRe.ReplaceAllString(line, "")

		re := imageMarkerRe
		if !re.MatchString(line) {
			re = bareImageRe
		}
		if ref, rest, ok := excise(re, line); ok {
			image = ref
			line = rest
		}

		if frag := strings.TrimSpace(line); frag != "" {
			fragments = append(fragments, frag)
		}
	}
	text := strings.Join(fragments, " ")
	return Reply{
		Text:  text,
		Image: image,
		Stop:  conversation.IsStop(text),
	}
}

// excise removes every match of re from line and returns the last captured
// reference, lower-cased, with the surrounding text rejoined by one space.
func excise(re *regexp.Regexp, line string) (string, string, bool) {
	matches := re.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return "", line, false
	}
	var (
		pieces []string
		last   int
		ref    string
	)
	for _, m := range matches {
		pieces = append(pieces, strings.TrimSpace(line[last:m[0]]))
		ref = strings.ToLower(line[m[2]:m[3]])
		last = m[1]
	}
	pieces = append(pieces, strings.TrimSpace(line[last:]))

	kept := pieces[:0]
	for _, p := range pieces {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return ref, strings.Join(kept, " "), true
}
