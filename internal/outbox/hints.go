package outbox

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/storage"
)

// ParseRelayHints extracts source hints from a relationship-list record
// (kind 10002, NIP-65). A tag with no marker means read+write.
func ParseRelayHints(event *nostr.Event) ([]*storage.RelayHint, error) {
	if event.Kind != 10002 {
		return nil, fmt.Errorf("expected kind 10002, got %d", event.Kind)
	}

	hints := make([]*storage.RelayHint, 0, len(event.Tags))

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		relay := strings.TrimSpace(tag[1])
		if relay == "" || !nostr.IsValidRelayURL(relay) {
			continue
		}

		hint := &storage.RelayHint{
			Pubkey:    event.PubKey,
			Relay:     relay,
			CanRead:   true,
			CanWrite:  true,
			Freshness: int64(event.CreatedAt),
		}

		if len(tag) >= 3 {
			switch strings.ToLower(tag[2]) {
			case "read":
				hint.CanWrite = false
			case "write":
				hint.CanRead = false
			}
		}

		hints = append(hints, hint)
	}

	return hints, nil
}
