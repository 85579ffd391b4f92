package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Normalize returns the canonical form of a filter: kinds sorted, authors
// deduped/sorted and capped at maxAuthors, tag values sorted. Two filters
// that normalize equally share one subscription.
func Normalize(filter nostr.Filter, maxAuthors int) nostr.Filter {
	out := nostr.Filter{
		Since: filter.Since,
		Until: filter.Until,
		Limit: filter.Limit,
	}

	if len(filter.Kinds) > 0 {
		out.Kinds = append([]int(nil), filter.Kinds...)
		sort.Ints(out.Kinds)
	}

	if len(filter.IDs) > 0 {
		out.IDs = dedupSorted(filter.IDs)
	}

	if len(filter.Authors) > 0 {
		authors := dedupSorted(filter.Authors)
		if maxAuthors > 0 && len(authors) > maxAuthors {
			authors = authors[:maxAuthors]
		}
		out.Authors = authors
	}

	if len(filter.Tags) > 0 {
		out.Tags = make(nostr.TagMap, len(filter.Tags))
		for key, values := range filter.Tags {
			out.Tags[key] = dedupSorted(values)
		}
	}

	return out
}

// Fingerprint hashes the normalized filter into a stable hex digest
func Fingerprint(filter nostr.Filter, maxAuthors int) string {
	norm := Normalize(filter, maxAuthors)

	var b strings.Builder
	b.WriteString("kinds=")
	for _, kind := range norm.Kinds {
		b.WriteString(strconv.Itoa(kind))
		b.WriteByte(',')
	}
	b.WriteString(";ids=")
	b.WriteString(strings.Join(norm.IDs, ","))
	b.WriteString(";authors=")
	b.WriteString(strings.Join(norm.Authors, ","))

	b.WriteString(";tags=")
	tagKeys := make([]string, 0, len(norm.Tags))
	for key := range norm.Tags {
		tagKeys = append(tagKeys, key)
	}
	sort.Strings(tagKeys)
	for _, key := range tagKeys {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(strings.Join(norm.Tags[key], ","))
		b.WriteByte(';')
	}

	if norm.Since != nil {
		fmt.Fprintf(&b, ";since=%d", int64(*norm.Since))
	}
	if norm.Until != nil {
		fmt.Fprintf(&b, ";until=%d", int64(*norm.Until))
	}
	fmt.Fprintf(&b, ";limit=%d", norm.Limit)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func dedupSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
