package imapconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameMapperRoundTrip(t *testing.T) {
	m := NameMapper{Prefix: "INBOX.", Separator: "."}

	tests := []struct {
		remote string
		local  string
	}{
		{"INBOX", "INBOX"},
		{"INBOX.Sent", "Sent"},
		{"INBOX.Work.Clients", "Work/Clients"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.local, m.ToLocal(tt.remote))
		assert.Equal(t, tt.remote, m.ToRemote(tt.local))
	}
}

func TestNameMapperIdentity(t *testing.T) {
	var m NameMapper

	assert.Equal(t, "Sent", m.ToLocal("Sent"))
	assert.Equal(t, "Work/Clients", m.ToRemote("Work/Clients"))
}

func TestClassifySelectError(t *testing.T) {
	err := classifySelectError("Old", assert.AnError)
	assert.Equal(t, assert.AnError, err)

	err = classifySelectError("Old", errNonexistent)
	assert.True(t, IsFolderMissing(err))
}

var errNonexistent = &fakeError{"Mailbox doesn't exist: Old [NONEXISTENT]"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func TestClassifyLoginError(t *testing.T) {
	err := classifyLoginError(&fakeError{"AUTHENTICATIONFAILED invalid credentials"})
	assert.True(t, IsAuthFailure(err))

	err = classifyLoginError(&fakeError{"IMAP access is disabled for your domain"})
	assert.True(t, IsAuthFailure(err))

	err = classifyLoginError(&fakeError{"connection reset by peer"})
	assert.False(t, IsAuthFailure(err))
}
