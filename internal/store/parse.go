package store

import (
	"bytes"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/vdavid/mailsync/internal/threading"
)

// snippetLength is how much of the plain-text body is cached on the message
// row for list views.
const snippetLength = 140

// parsedHeaders is the subset of a raw MIME message the store persists as
// queryable columns. The full body only ever lives in the blob store.
type parsedHeaders struct {
	MessageID    string
	InReplyTo    string
	References   []string
	Subject      string
	From         string
	To           []string
	CC           []string
	Snippet      string
	ReceivedDate time.Time
}

// parseRawMessage extracts header fields and a snippet from raw MIME bytes.
// Unparseable messages still sync: we fall back to empty headers and the
// IMAP INTERNALDATE so a corrupt message cannot wedge a folder.
func parseRawMessage(body []byte, internalDate time.Time) parsedHeaders {
	h := parsedHeaders{ReceivedDate: internalDate}

	env, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		return h
	}

	h.MessageID = strings.TrimSpace(env.GetHeader("Message-Id"))
	h.InReplyTo = strings.TrimSpace(env.GetHeader("In-Reply-To"))
	h.References = threading.ParseReferences(env.GetHeader("References"))
	h.Subject = env.GetHeader("Subject")
	h.From = env.GetHeader("From")
	h.To = addressList(env, "To")
	h.CC = addressList(env, "Cc")
	h.Snippet = makeSnippet(env.Text)

	if date, err := env.Date(); err == nil && !date.IsZero() {
		h.ReceivedDate = date
	}

	return h
}

func addressList(env *enmime.Envelope, key string) []string {
	addrs, err := env.AddressList(key)
	if err != nil {
		if raw := env.GetHeader(key); raw != "" {
			return []string{raw}
		}
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func makeSnippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if len(s) > snippetLength {
		// Cut on a rune boundary.
		runes := []rune(s)
		if len(runes) > snippetLength {
			s = string(runes[:snippetLength])
		}
	}
	return s
}
