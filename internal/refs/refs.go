// Package refs decodes the identity and event references accepted at the
// API boundary: raw hex, NIP-19 bech32 forms, and nostr: URIs embedded in
// record content.
package refs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// nostrEntityRegex matches nostr: URIs referencing events or profiles
var nostrEntityRegex = regexp.MustCompile(`nostr:(npub1[a-z0-9]+|nprofile1[a-z0-9]+|note1[a-z0-9]+|nevent1[a-z0-9]+)`)

// DecodePubkey accepts a 64-char hex pubkey, npub or nprofile and returns
// the hex form
func DecodePubkey(input string) (string, error) {
	input = strings.TrimSpace(strings.TrimPrefix(input, "nostr:"))

	if nostr.IsValidPublicKey(input) {
		return input, nil
	}

	prefix, decoded, err := nip19.Decode(input)
	if err != nil {
		return "", fmt.Errorf("failed to decode pubkey %q: %w", input, err)
	}

	switch prefix {
	case "npub":
		return decoded.(string), nil
	case "nprofile":
		return decoded.(nostr.ProfilePointer).PublicKey, nil
	default:
		return "", fmt.Errorf("not a pubkey reference: %s", prefix)
	}
}

// DecodePubkeys decodes each input, skipping entries that fail to decode.
// The second return value lists the inputs that were rejected.
func DecodePubkeys(inputs []string) ([]string, []string) {
	pubkeys := make([]string, 0, len(inputs))
	var rejected []string
	for _, in := range inputs {
		pk, err := DecodePubkey(in)
		if err != nil {
			rejected = append(rejected, in)
			continue
		}
		pubkeys = append(pubkeys, pk)
	}
	return pubkeys, rejected
}

// DecodeEventID accepts a 64-char hex event id, note or nevent and returns
// the hex form
func DecodeEventID(input string) (string, error) {
	input = strings.TrimSpace(strings.TrimPrefix(input, "nostr:"))

	if isHexID(input) {
		return input, nil
	}

	prefix, decoded, err := nip19.Decode(input)
	if err != nil {
		return "", fmt.Errorf("failed to decode event id %q: %w", input, err)
	}

	switch prefix {
	case "note":
		return decoded.(string), nil
	case "nevent":
		return decoded.(nostr.EventPointer).ID, nil
	default:
		return "", fmt.Errorf("not an event reference: %s", prefix)
	}
}

// FindEventRefs extracts the event ids referenced by nostr: URIs in text.
// Profile references are ignored; undecodable matches are skipped.
func FindEventRefs(text string) []string {
	matches := nostrEntityRegex.FindAllString(text, -1)
	ids := make([]string, 0, len(matches))
	seen := make(map[string]struct{})
	for _, match := range matches {
		entity := strings.TrimPrefix(match, "nostr:")
		if !strings.HasPrefix(entity, "note1") && !strings.HasPrefix(entity, "nevent1") {
			continue
		}
		id, err := DecodeEventID(entity)
		if err != nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func isHexID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
