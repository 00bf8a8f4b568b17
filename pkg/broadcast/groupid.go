package broadcast

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Group name limits imposed by the transport (NATS subject tokens).
const maxGroupLen = 80

var (
	nonWordRe  = regexp.MustCompile(`[^a-z0-9_\s-]`)
	collapseRe = regexp.MustCompile(`[-\s]+`)
)

// GroupID maps a room slug to a transport-safe group identifier: lowercase
// ASCII word characters with runs of separators collapsed to single hyphens.
// Accented letters are decomposed and stripped to their ASCII base. A slug
// that normalizes to nothing (e.g. "___" or pure punctuation) falls back to a
// stable SHA-1 of the original so distinct slugs keep distinct groups. The
// result is capped at 80 characters.
func GroupID(slug string) string {
	id := slugify(slug)
	if id == "" {
		sum := sha1.Sum([]byte(slug))
		id = "x" + hex.EncodeToString(sum[:])
	}
	if len(id) > maxGroupLen {
		id = id[:maxGroupLen]
	}
	return id
}

func slugify(s string) string {
	// NFKD then drop combining marks and any remaining non-ASCII.
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) || r > unicode.MaxASCII {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.ToLower(b.String())
	out = nonWordRe.ReplaceAllString(out, "")
	out = collapseRe.ReplaceAllString(out, "-")
	return strings.Trim(out, "-_")
}

// RoomGroup returns the broadcast group for a chat room.
func RoomGroup(slug string) string {
	return "chat.room." + GroupID(slug)
}

// Presence broadcast groups. Authenticated viewers receive the full online
// list, guest viewers only the guest count.
const (
	PresenceAuthGroup  = "presence.auth"
	PresenceGuestGroup = "presence.guest"
)
