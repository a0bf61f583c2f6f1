// Package threading computes the thread key that groups messages into
// conversations. Gmail hands us a stable thread id (X-GM-THRID); for other
// providers we reconstruct threads from References/In-Reply-To headers with
// a normalized-subject fallback.
package threading

import (
	"fmt"
	"regexp"
	"strings"
)

// subjectPrefixes matches the reply/forward markers stripped during subject
// normalization, including bracketed mailing-list tags.
var subjectPrefixes = regexp.MustCompile(`(?i)^(\s*(re|fw|fwd|aw|sv|vs)\s*(\[\d+\])?\s*:\s*|\s*\[[^\]]{1,80}\]\s*)+`)

// NormalizeSubject strips reply/forward prefixes and collapses whitespace so
// "Re: Re: Hello" and "hello" thread together.
func NormalizeSubject(subject string) string {
	s := subjectPrefixes.ReplaceAllString(subject, "")
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// GmailKey returns the thread key for a Gmail thread id.
func GmailKey(thrid uint64) string {
	return fmt.Sprintf("gm-%d", thrid)
}

// Headers are the threading-relevant parts of a message's header block.
type Headers struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
}

// Resolver assigns thread keys for generic IMAP providers. The caller feeds
// it the message-id → thread-key mapping it already knows (from the local
// store); Resolve walks a message's references oldest-first and reuses the
// first known key.
type Resolver struct {
	// byMessageID maps a seen Message-ID header to its thread key.
	byMessageID map[string]string
}

// NewResolver builds a resolver seeded with already-known header mappings.
func NewResolver(known map[string]string) *Resolver {
	byID := make(map[string]string, len(known))
	for id, key := range known {
		byID[normalizeMessageID(id)] = key
	}
	return &Resolver{byMessageID: byID}
}

// Resolve returns the thread key for the given headers. Reference chains
// win over In-Reply-To, which wins over the subject heuristic. New threads
// get a key derived from the message's own Message-ID (or normalized
// subject when absent), and the mapping is remembered for later messages in
// the same pass.
func (r *Resolver) Resolve(h Headers) string {
	candidates := make([]string, 0, len(h.References)+1)
	candidates = append(candidates, h.References...)
	if h.InReplyTo != "" {
		candidates = append(candidates, h.InReplyTo)
	}

	for _, ref := range candidates {
		if key, ok := r.byMessageID[normalizeMessageID(ref)]; ok {
			r.remember(h.MessageID, key)
			return key
		}
	}

	var key string
	switch {
	case h.MessageID != "":
		key = "mid-" + normalizeMessageID(h.MessageID)
	case NormalizeSubject(h.Subject) != "":
		key = "subj-" + NormalizeSubject(h.Subject)
	default:
		key = "mid-" + normalizeMessageID(h.InReplyTo)
	}

	r.remember(h.MessageID, key)
	for _, ref := range candidates {
		r.remember(ref, key)
	}
	return key
}

func (r *Resolver) remember(messageID, key string) {
	if messageID == "" {
		return
	}
	id := normalizeMessageID(messageID)
	if _, exists := r.byMessageID[id]; !exists {
		r.byMessageID[id] = key
	}
}

// normalizeMessageID strips angle brackets and whitespace from a Message-ID
// header value.
func normalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// OverflowKey derives the key for a continuation thread once the original
// hit the per-thread message cap. Generation 1 is the first overflow.
func OverflowKey(key string, generation int) string {
	return fmt.Sprintf("%s+%d", key, generation)
}

// ParseReferences splits a raw References header into individual message
// ids.
func ParseReferences(raw string) []string {
	var refs []string
	for _, field := range strings.Fields(raw) {
		id := normalizeMessageID(field)
		if id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}
