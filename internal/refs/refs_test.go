package refs

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
)

const (
	hexPubkey  = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	hexEventID = "d1b3f6e8a2c4957013ce9f21ad8936bb1e2745c8930a61fca3441e1f5ad0de7a"
)

func TestDecodePubkeyHex(t *testing.T) {
	got, err := DecodePubkey(hexPubkey)
	if err != nil {
		t.Fatalf("DecodePubkey failed: %v", err)
	}
	if got != hexPubkey {
		t.Errorf("Expected %s, got %s", hexPubkey, got)
	}
}

func TestDecodePubkeyNpub(t *testing.T) {
	npub, err := nip19.EncodePublicKey(hexPubkey)
	if err != nil {
		t.Fatalf("EncodePublicKey failed: %v", err)
	}

	got, err := DecodePubkey(npub)
	if err != nil {
		t.Fatalf("DecodePubkey failed: %v", err)
	}
	if got != hexPubkey {
		t.Errorf("Expected %s, got %s", hexPubkey, got)
	}

	// nostr: prefix is tolerated
	got, err = DecodePubkey("nostr:" + npub)
	if err != nil {
		t.Fatalf("DecodePubkey with prefix failed: %v", err)
	}
	if got != hexPubkey {
		t.Errorf("Expected %s, got %s", hexPubkey, got)
	}
}

func TestDecodePubkeyRejectsEventRefs(t *testing.T) {
	note, err := nip19.EncodeNote(hexEventID)
	if err != nil {
		t.Fatalf("EncodeNote failed: %v", err)
	}
	if _, err := DecodePubkey(note); err == nil {
		t.Error("Expected error decoding a note as pubkey")
	}
}

func TestDecodePubkeysSkipsInvalid(t *testing.T) {
	pubkeys, rejected := DecodePubkeys([]string{hexPubkey, "garbage"})
	if len(pubkeys) != 1 || pubkeys[0] != hexPubkey {
		t.Errorf("Expected 1 decoded pubkey, got %v", pubkeys)
	}
	if len(rejected) != 1 || rejected[0] != "garbage" {
		t.Errorf("Expected garbage rejected, got %v", rejected)
	}
}

func TestDecodeEventIDNote(t *testing.T) {
	note, err := nip19.EncodeNote(hexEventID)
	if err != nil {
		t.Fatalf("EncodeNote failed: %v", err)
	}

	got, err := DecodeEventID(note)
	if err != nil {
		t.Fatalf("DecodeEventID failed: %v", err)
	}
	if got != hexEventID {
		t.Errorf("Expected %s, got %s", hexEventID, got)
	}
}

func TestFindEventRefs(t *testing.T) {
	note, err := nip19.EncodeNote(hexEventID)
	if err != nil {
		t.Fatalf("EncodeNote failed: %v", err)
	}
	npub, err := nip19.EncodePublicKey(hexPubkey)
	if err != nil {
		t.Fatalf("EncodePublicKey failed: %v", err)
	}

	text := strings.Join([]string{
		"check out nostr:" + note,
		"and nostr:" + npub, // profile ref, not an event
		"again nostr:" + note, // duplicate
	}, " ")

	ids := FindEventRefs(text)
	if len(ids) != 1 {
		t.Fatalf("Expected 1 unique event ref, got %d: %v", len(ids), ids)
	}
	if ids[0] != hexEventID {
		t.Errorf("Expected %s, got %s", hexEventID, ids[0])
	}
}

func TestFindEventRefsEmpty(t *testing.T) {
	if ids := FindEventRefs("no references here"); len(ids) != 0 {
		t.Errorf("Expected no refs, got %v", ids)
	}
}
