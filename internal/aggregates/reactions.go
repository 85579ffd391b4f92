package aggregates

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Reaction labels for the conventional contents
const (
	LabelLike    = "like"
	LabelDislike = "dislike"
)

// ClassifyReaction maps a reaction's content to its breakdown label.
// Empty content and "+" are likes, "-" is a dislike, and anything else
// counts verbatim. Custom-emoji shortcodes (":name:") are excluded from
// both the count and the breakdown; for those excluded is true.
func ClassifyReaction(content string) (label string, excluded bool) {
	switch content {
	case "", "+":
		return LabelLike, false
	case "-":
		return LabelDislike, false
	}
	if isShortcode(content) {
		return "", true
	}
	return content, false
}

// isShortcode reports whether content is a colon-delimited emoji shortcode
// with a non-empty name
func isShortcode(content string) bool {
	return len(content) > 2 &&
		strings.HasPrefix(content, ":") &&
		strings.HasSuffix(content, ":") &&
		!strings.Contains(content[1:len(content)-1], ":")
}

// ReactionTarget returns the id of the record a kind 7 reaction applies
// to: the last e tag, per convention. Empty when the reaction targets
// nothing.
func ReactionTarget(event *nostr.Event) string {
	target := ""
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
			target = tag[1]
		}
	}
	return target
}
