// Package ordertag derives the deterministic identifiers that join desired
// orders to their live exchange counterparts.
package ordertag

import (
	"strconv"
	"strings"

	"github.com/blitzgrid/blitz/internal/schema"
)

// Role distinguishes the logical purpose of a tagged order.
type Role string

const (
	// RoleLadderLeg tags one entry order in the ladder sequence.
	RoleLadderLeg Role = "leg"
	// RoleTakeProfit tags the single position-closing order.
	RoleTakeProfit Role = "tp"
)

const separator = "-"

// Tag is the decoded form of an order tag.
type Tag struct {
	Role     Role
	LegIndex int
	UserID   int64
	Symbol   string
}

// String re-encodes the tag to its canonical wire form.
func (t Tag) String() string {
	return Encode(t.Role, t.LegIndex, t.UserID, t.Symbol)
}

// NormalizeSymbol strips separator characters from venue symbol notations so
// that equivalent symbols (BTC/USDT, BTC-USDT, BTCUSDT:USDT) share one tag.
func NormalizeSymbol(symbol string) string {
	var b strings.Builder
	b.Grow(len(symbol))
	for _, r := range strings.ToUpper(strings.TrimSpace(symbol)) {
		switch r {
		case '/', ':', '-', '_', '.', ' ':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Encode builds the canonical tag for the given order coordinates. Encoding is
// total and deterministic; the leg index is ignored for take-profit tags.
func Encode(role Role, legIndex int, userID int64, symbol string) string {
	normalized := NormalizeSymbol(symbol)
	switch role {
	case RoleTakeProfit:
		return strings.Join([]string{string(RoleTakeProfit), strconv.FormatInt(userID, 10), normalized}, separator)
	default:
		return strings.Join([]string{string(RoleLadderLeg), strconv.Itoa(legIndex), strconv.FormatInt(userID, 10), normalized}, separator)
	}
}

// Decode parses a canonical tag back into its coordinates. It returns false
// for any value that is not a Blitz order tag.
func Decode(raw string) (Tag, bool) {
	var empty Tag
	parts := strings.Split(strings.TrimSpace(raw), separator)
	switch {
	case len(parts) == 3 && parts[0] == string(RoleTakeProfit):
		userID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return empty, false
		}
		symbol := parts[2]
		if symbol == "" || symbol != NormalizeSymbol(symbol) {
			return empty, false
		}
		return Tag{Role: RoleTakeProfit, LegIndex: 0, UserID: userID, Symbol: symbol}, true
	case len(parts) == 4 && parts[0] == string(RoleLadderLeg):
		legIndex, err := strconv.Atoi(parts[1])
		if err != nil || legIndex < 0 {
			return empty, false
		}
		userID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return empty, false
		}
		symbol := parts[3]
		if symbol == "" || symbol != NormalizeSymbol(symbol) {
			return empty, false
		}
		return Tag{Role: RoleLadderLeg, LegIndex: legIndex, UserID: userID, Symbol: symbol}, true
	default:
		return empty, false
	}
}

// FromIdentifiers scans every client-assigned identifier field of a live order
// and returns the first decodable tag. Venues differ in which field they echo
// back, so all of them are candidates.
func FromIdentifiers(ids schema.OrderIdentifiers) (Tag, bool) {
	for _, candidate := range ids.All() {
		if tag, ok := Decode(candidate); ok {
			return tag, true
		}
	}
	return Tag{}, false
}
