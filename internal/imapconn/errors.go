package imapconn

import (
	"errors"
	"fmt"
	"strings"
)

// The session layer translates raw IMAP protocol failures into a small
// taxonomy the folder sync state machine pattern-matches on. Everything not
// covered here is classified transient or permanent by retry.IsTransient.

// FolderMissingError indicates the selected folder no longer exists on the
// server ([NONEXISTENT] or an equivalent textual response).
type FolderMissingError struct {
	Folder string
}

func (e *FolderMissingError) Error() string {
	return fmt.Sprintf("folder %q does not exist on the server", e.Folder)
}

// UIDInvalidError is returned by the select callback when the remote
// UIDVALIDITY is greater than the last value we stored, which invalidates
// every cached UID for the folder.
type UIDInvalidError struct {
	Folder string
	Remote uint32
	Stored uint32
}

func (e *UIDInvalidError) Error() string {
	return fmt.Sprintf("uidvalidity for %q changed: remote %d > stored %d", e.Folder, e.Remote, e.Stored)
}

// ValidationError indicates the server rejected our credentials. Not
// retried; surfaces to the account as a user-visible error.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("credentials rejected: %s", e.Reason)
}

// IMAPDisabledError indicates the provider reports IMAP access turned off
// for the account.
type IMAPDisabledError struct {
	Reason string
}

func (e *IMAPDisabledError) Error() string {
	return fmt.Sprintf("imap disabled for account: %s", e.Reason)
}

// IsFolderMissing reports whether err (or its chain) is a FolderMissingError.
func IsFolderMissing(err error) bool {
	var fm *FolderMissingError
	return errors.As(err, &fm)
}

// IsUIDInvalid reports whether err (or its chain) is a UIDInvalidError.
func IsUIDInvalid(err error) bool {
	var ui *UIDInvalidError
	return errors.As(err, &ui)
}

// IsAuthFailure reports whether err is a ValidationError or
// IMAPDisabledError, either of which invalidates the whole account.
func IsAuthFailure(err error) bool {
	var ve *ValidationError
	var de *IMAPDisabledError
	return errors.As(err, &ve) || errors.As(err, &de)
}

// classifySelectError maps a raw SELECT failure onto the taxonomy.
func classifySelectError(folder string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "[nonexistent]") || strings.Contains(msg, "does not exist") {
		return &FolderMissingError{Folder: folder}
	}
	return err
}

// classifyLoginError maps an authentication failure onto the taxonomy.
func classifyLoginError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "imap access is disabled"),
		strings.Contains(msg, "imap is disabled"):
		return &IMAPDisabledError{Reason: err.Error()}
	case strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "invalid credentials"),
		strings.Contains(msg, "authenticationfailed"),
		strings.Contains(msg, "login failed"):
		return &ValidationError{Reason: err.Error()}
	}
	return err
}
