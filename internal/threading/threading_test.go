package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello world", "hello world"},
		{"Re: Hello world", "hello world"},
		{"RE: FWD: Hello  world", "hello world"},
		{"Fwd: [list-name] Hello", "hello"},
		{"AW: Re[2]: Hello", "hello"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSubject(tt.in), "subject %q", tt.in)
	}
}

func TestResolveGroupsReplies(t *testing.T) {
	r := NewResolver(nil)

	rootKey := r.Resolve(Headers{MessageID: "<a@x>", Subject: "Hello"})

	replyKey := r.Resolve(Headers{
		MessageID: "<b@x>",
		InReplyTo: "<a@x>",
		Subject:   "Re: Hello",
	})
	assert.Equal(t, rootKey, replyKey)

	// A deep reply referencing only the middle of the chain still lands in
	// the same thread.
	deepKey := r.Resolve(Headers{
		MessageID:  "<c@x>",
		References: []string{"a@x", "b@x"},
		Subject:    "Re: Hello",
	})
	assert.Equal(t, rootKey, deepKey)
}

func TestResolveSeededFromStore(t *testing.T) {
	r := NewResolver(map[string]string{"<a@x>": "mid-a@x"})

	key := r.Resolve(Headers{MessageID: "<b@x>", InReplyTo: "<a@x>"})
	assert.Equal(t, "mid-a@x", key)
}

func TestResolveUnrelatedMessagesGetDistinctKeys(t *testing.T) {
	r := NewResolver(nil)

	k1 := r.Resolve(Headers{MessageID: "<a@x>", Subject: "Invoice"})
	k2 := r.Resolve(Headers{MessageID: "<b@y>", Subject: "Picnic"})
	assert.NotEqual(t, k1, k2)
}

func TestResolveSubjectFallback(t *testing.T) {
	r := NewResolver(nil)

	// No message id at all: subject heuristic takes over.
	k1 := r.Resolve(Headers{Subject: "Status update"})
	k2 := r.Resolve(Headers{Subject: "Re: Status update"})
	assert.Equal(t, "subj-status update", k1)
	assert.Equal(t, k1, k2)
}

func TestGmailKey(t *testing.T) {
	assert.Equal(t, "gm-12345", GmailKey(12345))
}

func TestOverflowKey(t *testing.T) {
	key := GmailKey(7)
	assert.Equal(t, "gm-7+1", OverflowKey(key, 1))
	assert.Equal(t, "gm-7+2", OverflowKey(key, 2))
}

func TestParseReferences(t *testing.T) {
	refs := ParseReferences("<a@x> <b@y>\t<c@z>")
	assert.Equal(t, []string{"a@x", "b@y", "c@z"}, refs)
	assert.Nil(t, ParseReferences(""))
}
