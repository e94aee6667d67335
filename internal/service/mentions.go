package service

import (
	"regexp"
	"slices"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/model"
)

var mentionRe = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_@])@([\p{L}\p{N}_.\-]+)`)

// MentionTokens returns the distinct @name tokens in text, lowercased.
func MentionTokens(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		tok := strings.ToLower(strings.TrimRight(m[1], ".-"))
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// ResolveMentions matches tokens against member display names case-insensitively.
// The sender never mentions themself.
func ResolveMentions(text string, members []model.Membership, senderID uuid.UUID) []uuid.UUID {
	tokens := MentionTokens(text)
	if len(tokens) == 0 {
		return nil
	}
	var out []uuid.UUID
	for _, tok := range tokens {
		for _, m := range members {
			if m.UserID == senderID || !strings.EqualFold(m.DisplayName, tok) {
				continue
			}
			if !slices.Contains(out, m.UserID) {
				out = append(out, m.UserID)
			}
		}
	}
	return out
}
