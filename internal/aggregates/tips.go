package aggregates

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// invoiceAmountRegex matches the amount and multiplier of a bolt11 invoice
var invoiceAmountRegex = regexp.MustCompile(`lnbc(\d+)([munp]?)`)

// Tip is a parsed tip receipt (kind 9735 zap receipt)
type Tip struct {
	TargetID   string // record the tip applies to, empty for profile tips
	Sender     string // pubkey of the tipper, from the receipt description
	AmountSats int64
	Comment    string
}

// ParseTip extracts the target, sender and amount from a tip receipt. The
// amount comes from the bolt11 invoice; when the invoice carries none, the
// receipt description's amount tag (millisats) is the fallback.
func ParseTip(event *nostr.Event) (*Tip, error) {
	if event.Kind != 9735 {
		return nil, fmt.Errorf("expected kind 9735, got %d", event.Kind)
	}

	tip := &Tip{}
	var description string

	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			tip.TargetID = tag[1]
		case "description":
			description = tag[1]
		case "bolt11":
			if amount, err := parseInvoiceAmount(tag[1]); err == nil {
				tip.AmountSats = amount
			}
		}
	}

	if description != "" {
		// The description is the original tip request event as JSON
		tip.Sender = gjson.Get(description, "pubkey").String()
		tip.Comment = gjson.Get(description, "content").String()

		if tip.AmountSats == 0 {
			gjson.Get(description, "tags").ForEach(func(_, tag gjson.Result) bool {
				values := tag.Array()
				if len(values) >= 2 && values[0].String() == "amount" {
					tip.AmountSats = values[1].Int() / 1000 // msats
					return false
				}
				return true
			})
		}
	}

	if tip.AmountSats <= 0 {
		return nil, fmt.Errorf("tip receipt carries no amount")
	}
	return tip, nil
}

// parseInvoiceAmount extracts satoshis from a bolt11 invoice's
// human-readable part
func parseInvoiceAmount(invoice string) (int64, error) {
	matches := invoiceAmountRegex.FindStringSubmatch(invoice)
	if len(matches) < 2 {
		return 0, fmt.Errorf("could not parse invoice amount")
	}

	amount, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, err
	}

	switch matches[2] {
	case "m": // millibitcoin
		return amount * 100000, nil
	case "u": // microbitcoin
		return amount * 100, nil
	case "n": // nanobitcoin
		return amount / 10, nil
	case "p": // picobitcoin
		return amount / 10000, nil
	default: // whole bitcoin
		return amount * 100000000, nil
	}
}

// FormatSats renders a sat amount for display
func FormatSats(sats int64) string {
	switch {
	case sats < 1000:
		return fmt.Sprintf("%d sats", sats)
	case sats < 1000000:
		return fmt.Sprintf("%.1fK sats", float64(sats)/1000)
	default:
		return fmt.Sprintf("%.2fM sats", float64(sats)/1000000)
	}
}
