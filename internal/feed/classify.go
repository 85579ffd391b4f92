package feed

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Classification describes an event's thread position. Every ingestion path
// (rehydrate, initial fetch, live delivery, pagination) classifies through
// this one implementation so a record never flips between reply and
// top-level depending on how it arrived.
type Classification struct {
	IsReply    bool
	RootID     string   // thread root, empty for top-level records
	ParentID   string   // direct parent being replied to
	MentionIDs []string // referenced events that do not make this a reply
}

// Classify extracts thread relationships from an event's e tags, handling
// both the marked format (root/reply/mention markers) and the deprecated
// positional format. Mention markers never make a record a reply; any
// unmarked e tag in the positional format does.
func Classify(event *nostr.Event) Classification {
	eTags := make([]nostr.Tag, 0, 2)
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
			eTags = append(eTags, tag)
		}
	}

	if len(eTags) == 0 {
		return Classification{}
	}

	if hasMarkers(eTags) {
		return classifyMarked(eTags)
	}
	return classifyPositional(eTags)
}

// hasMarkers reports whether any e tag carries a NIP-10 marker
func hasMarkers(eTags []nostr.Tag) bool {
	for _, tag := range eTags {
		if len(tag) >= 4 && tag[3] != "" {
			return true
		}
	}
	return false
}

func classifyMarked(eTags []nostr.Tag) Classification {
	var c Classification

	for _, tag := range eTags {
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "root":
			c.RootID = tag[1]
		case "reply":
			c.ParentID = tag[1]
		default:
			// mention marker, or unmarked alongside marked tags
			c.MentionIDs = append(c.MentionIDs, tag[1])
		}
	}

	// A bare root marker means a direct reply to the thread root
	if c.RootID != "" && c.ParentID == "" {
		c.ParentID = c.RootID
	}
	if c.ParentID != "" && c.RootID == "" {
		c.RootID = c.ParentID
	}
	c.IsReply = c.ParentID != ""
	return c
}

func classifyPositional(eTags []nostr.Tag) Classification {
	c := Classification{IsReply: true}

	switch len(eTags) {
	case 1:
		c.RootID = eTags[0][1]
		c.ParentID = eTags[0][1]
	case 2:
		c.RootID = eTags[0][1]
		c.ParentID = eTags[1][1]
	default:
		c.RootID = eTags[0][1]
		c.ParentID = eTags[len(eTags)-1][1]
		for i := 1; i < len(eTags)-1; i++ {
			c.MentionIDs = append(c.MentionIDs, eTags[i][1])
		}
	}
	return c
}

// FanOut counts the distinct pubkeys an event addresses through p tags.
// Records addressing very wide audiences are excluded from feeds.
func FanOut(event *nostr.Event) int {
	seen := make(map[string]struct{})
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] != "" {
			seen[tag[1]] = struct{}{}
		}
	}
	return len(seen)
}

// Topics returns the lowercase topic labels from an event's t tags. Topic
// labels are case-insensitive, lowercase is the canonical form.
func Topics(event *nostr.Event) []string {
	var topics []string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "t" && tag[1] != "" {
			topics = append(topics, strings.ToLower(tag[1]))
		}
	}
	return topics
}
