package imapconn

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// SelectInfo is what a SELECT tells us about a folder.
type SelectInfo struct {
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
	Exists        uint32
}

// UIDValidityCallback is invoked with the remote UIDVALIDITY right after a
// folder is selected, before any other operation runs. Returning an error
// (conventionally *UIDInvalidError) aborts the select.
type UIDValidityCallback func(folder string, remoteUIDValidity uint32) error

// RemoteFolder is one entry of the server's LIST response.
type RemoteFolder struct {
	Name  string
	Role  models.FolderRole
	Attrs []string
}

// FlagsResult carries the per-UID outcome of a flags fetch.
type FlagsResult struct {
	UID     uint32
	Flags   []string
	ModSeq  uint64
	GLabels []string
}

// RawMessage is a fully downloaded message.
type RawMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Body         []byte
	GLabels      []string
	GThrid       uint64
	GMsgid       uint64
}

// Session is one authenticated IMAP connection. It caches the capabilities
// negotiated at login. A session is not safe for concurrent use; the pool
// serializes access.
type Session struct {
	c         *client.Client
	accountID int64
	caps      map[string]bool
	lastUsed  time.Time
}

// newSession wraps an authenticated client, caching its capabilities.
func newSession(c *client.Client, accountID int64) (*Session, error) {
	caps, err := c.Capability()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch capabilities: %w", err)
	}
	return &Session{c: c, accountID: accountID, caps: caps, lastUsed: time.Now()}, nil
}

// Supports reports whether the server advertised the given capability.
func (s *Session) Supports(capability string) bool {
	return s.caps[capability]
}

// SupportsCondstore reports CONDSTORE support.
func (s *Session) SupportsCondstore() bool { return s.Supports("CONDSTORE") }

// SupportsIdle reports IDLE support.
func (s *Session) SupportsIdle() bool { return s.Supports("IDLE") }

// SupportsGmailExt reports X-GM-EXT-1 support.
func (s *Session) SupportsGmailExt() bool { return s.Supports("X-GM-EXT-1") }

// List lists all folders on the server with roles derived from their
// SPECIAL-USE attributes.
func (s *Session) List() ([]RemoteFolder, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.c.List("", "*", mailboxes)
	}()

	var folders []RemoteFolder
	for m := range mailboxes {
		if hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		folders = append(folders, RemoteFolder{
			Name:  m.Name,
			Role:  roleFromListEntry(m.Name, m.Attributes),
			Attrs: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// Select selects a folder and returns its session state. The callback runs
// against the remote UIDVALIDITY before Select returns; its error aborts
// the select and is returned as-is.
func (s *Session) Select(folder string, cb UIDValidityCallback) (*SelectInfo, error) {
	mbox, err := s.c.Select(folder, false)
	if err != nil {
		return nil, classifySelectError(folder, err)
	}

	if cb != nil {
		if err := cb(folder, mbox.UidValidity); err != nil {
			return nil, err
		}
	}

	info := &SelectInfo{
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
		Exists:      mbox.Messages,
	}

	if s.SupportsCondstore() {
		info.HighestModSeq = s.highestModSeq(folder)
	}

	return info, nil
}

// highestModSeq fetches HIGHESTMODSEQ via STATUS. Returns 0 when the server
// does not report one.
func (s *Session) highestModSeq(folder string) uint64 {
	status, err := s.c.Status(folder, []imap.StatusItem{imap.StatusItem("HIGHESTMODSEQ")})
	if err != nil {
		return 0
	}
	raw, ok := status.Items[imap.StatusItem("HIGHESTMODSEQ")]
	if !ok || raw == nil {
		return 0
	}
	return parseModSeq(raw)
}

// UIDNext re-reads the folder's UIDNEXT without reselecting.
func (s *Session) UIDNext(folder string) (uint32, error) {
	status, err := s.c.Status(folder, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		return 0, fmt.Errorf("failed to get status for %s: %w", folder, err)
	}
	return status.UidNext, nil
}

// AllUIDs returns the full remote UID set of the selected folder.
func (s *Session) AllUIDs() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	all := new(imap.SeqSet)
	all.AddRange(1, 0) // 1:*
	criteria.Uid = all

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search uids: %w", err)
	}
	return uids, nil
}

// UIDsSince returns UIDs of messages received since the given time, used to
// bound the initial inbox search on very large mailboxes.
func (s *Session) UIDsSince(since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search uids since %s: %w", since.Format(time.RFC3339), err)
	}
	return uids, nil
}

// FetchFlags fetches flags (and MODSEQ / Gmail labels where supported) for
// the given UIDs.
func (s *Session) FetchFlags(uids []uint32) ([]FlagsResult, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchFlags, imap.FetchUid}
	if s.SupportsCondstore() {
		items = append(items, imap.FetchItem("MODSEQ"))
	}
	if s.SupportsGmailExt() {
		items = append(items, fetchItemGmailLabels)
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- s.c.UidFetch(seqSet, items, messages)
	}()

	var results []FlagsResult
	for msg := range messages {
		results = append(results, FlagsResult{
			UID:     msg.Uid,
			Flags:   msg.Flags,
			ModSeq:  modSeqFromItems(msg.Items),
			GLabels: gmailLabelsFromItems(msg.Items),
		})
	}

	if err := <-done; err != nil {
		// Some servers leak an IDLE continuation into the next response.
		// The data we collected is still good; just don't treat it as fatal.
		if strings.HasPrefix(err.Error(), "Unexpected IDLE response") {
			return results, nil
		}
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}

	return results, nil
}

// FetchMessages downloads the given UIDs in full: flags, internaldate, raw
// body, and Gmail extension items when the server has them.
func (s *Session) FetchMessages(uids []uint32) ([]*RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}
	if s.SupportsGmailExt() {
		items = append(items, fetchItemGmailLabels, fetchItemGmailThrid, fetchItemGmailMsgid)
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- s.c.UidFetch(seqSet, items, messages)
	}()

	var results []*RawMessage
	for msg := range messages {
		raw := &RawMessage{
			UID:          msg.Uid,
			Flags:        msg.Flags,
			InternalDate: msg.InternalDate,
			GLabels:      gmailLabelsFromItems(msg.Items),
			GThrid:       gmailUint64FromItems(msg.Items, fetchItemGmailThrid),
			GMsgid:       gmailUint64FromItems(msg.Items, fetchItemGmailMsgid),
		}
		if body := msg.GetBody(section); body != nil {
			data, err := io.ReadAll(body)
			if err == nil {
				raw.Body = data
			}
		}
		results = append(results, raw)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return results, nil
}

// StoreFlags adds or removes flags on the given UIDs.
func (s *Session) StoreFlags(uids []uint32, add bool, flags []string) error {
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	var op imap.FlagsOp = imap.RemoveFlags
	if add {
		op = imap.AddFlags
	}
	item := imap.FormatFlagsOp(op, true)

	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}

	if err := s.c.UidStore(seqSet, item, values, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

// Copy copies the given UIDs into the destination folder.
func (s *Session) Copy(uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	if err := s.c.UidCopy(seqSet, dest); err != nil {
		return classifySelectError(dest, fmt.Errorf("failed to copy to %s: %w", dest, err))
	}
	return nil
}

// Append appends a raw message to a folder and returns nil. Servers with
// UIDPLUS report the new UID via APPENDUID, but we re-discover it on the
// next poll rather than parse the response code.
func (s *Session) Append(folder string, flags []string, date time.Time, raw []byte) error {
	if err := s.c.Append(folder, flags, date, strings.NewReader(string(raw))); err != nil {
		return classifySelectError(folder, fmt.Errorf("failed to append to %s: %w", folder, err))
	}
	return nil
}

// Expunge permanently removes \Deleted-flagged messages from the selected
// folder.
func (s *Session) Expunge() error {
	if err := s.c.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// CreateFolder creates a folder on the server.
func (s *Session) CreateFolder(name string) error {
	if err := s.c.Create(name); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	return nil
}

// RenameFolder renames a folder on the server.
func (s *Session) RenameFolder(oldName, newName string) error {
	if err := s.c.Rename(oldName, newName); err != nil {
		return fmt.Errorf("failed to rename folder %s: %w", oldName, err)
	}
	return nil
}

// DeleteFolder deletes a folder on the server.
func (s *Session) DeleteFolder(name string) error {
	if err := s.c.Delete(name); err != nil {
		return classifySelectError(name, fmt.Errorf("failed to delete folder %s: %w", name, err))
	}
	return nil
}

// ThreadRoots groups the selected folder's messages by conversation using
// the server's THREAD=REFERENCES implementation, mapping each UID to the
// UID of its thread root.
func (s *Session) ThreadRoots() (map[uint32]uint32, error) {
	return threading.ServerThreads(s.c)
}

// Noop pings the server; used by the pool's health check.
func (s *Session) Noop() error {
	return s.c.Noop()
}

// Logout closes the session.
func (s *Session) Logout() error {
	return s.c.Logout()
}

// state exposes the connection state to the pool.
func (s *Session) state() imap.ConnState {
	return s.c.State()
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}

// roleFromListEntry maps SPECIAL-USE attributes (and the well-known INBOX
// name) onto canonical folder roles.
func roleFromListEntry(name string, attrs []string) models.FolderRole {
	switch {
	case strings.EqualFold(name, "INBOX"):
		return models.RoleInbox
	case hasAttr(attrs, imap.SentAttr):
		return models.RoleSent
	case hasAttr(attrs, imap.DraftsAttr):
		return models.RoleDrafts
	case hasAttr(attrs, imap.TrashAttr):
		return models.RoleTrash
	case hasAttr(attrs, imap.JunkAttr):
		return models.RoleSpam
	case hasAttr(attrs, imap.AllAttr):
		return models.RoleAll
	case hasAttr(attrs, imap.ArchiveAttr):
		return models.RoleArchive
	case hasAttr(attrs, imap.FlaggedAttr):
		return models.RoleStarred
	case hasAttr(attrs, "\\Important"):
		return models.RoleImportant
	}
	return models.RoleNone
}

// parseModSeq coerces the various shapes servers return MODSEQ values in.
func parseModSeq(raw interface{}) uint64 {
	switch v := raw.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case uint32:
		return uint64(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	case []interface{}:
		if len(v) > 0 {
			return parseModSeq(v[0])
		}
	}
	return 0
}
