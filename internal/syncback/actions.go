package syncback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// executor applies one batch of tasks for one account. It lazily acquires
// a single IMAP session for the whole batch and caches the account's
// folder list.
type executor struct {
	store   *store.Store
	pool    *imapconn.Pool
	tokens  imapconn.TokenProvider
	account *models.Account
	conn    imapconn.AccountConn
	mapper  imapconn.NameMapper

	session *imapconn.Session
	release func()

	folders []*models.Folder
}

func newExecutor(st *store.Store, pool *imapconn.Pool, tokens imapconn.TokenProvider, account *models.Account) *executor {
	return &executor{
		store:   st,
		pool:    pool,
		tokens:  tokens,
		account: account,
		conn:    imapconn.ConnFor(account.ID, account.IMAPServer),
		mapper:  imapconn.NameMapper{Prefix: account.FolderPrefix, Separator: account.FolderSeparator},
	}
}

func (x *executor) imap(ctx context.Context) (*imapconn.Session, error) {
	if x.session != nil {
		return x.session, nil
	}
	session, release, err := x.pool.Acquire(ctx, x.conn)
	if err != nil {
		return nil, err
	}
	x.session = session
	x.release = release
	return session, nil
}

func (x *executor) close() {
	if x.release != nil {
		x.release()
		x.session = nil
		x.release = nil
	}
}

func (x *executor) folderByRole(ctx context.Context, role models.FolderRole) (*models.Folder, error) {
	if x.folders == nil {
		folders, err := x.store.ListFolders(ctx, x.account.ID)
		if err != nil {
			return nil, err
		}
		x.folders = folders
	}
	for _, f := range x.folders {
		if f.Role == role {
			return f, nil
		}
	}
	return nil, fmt.Errorf("account %d has no %s folder", x.account.ID, role)
}

func (x *executor) folderByID(ctx context.Context, id int64) (*models.Folder, error) {
	if x.folders == nil {
		folders, err := x.store.ListFolders(ctx, x.account.ID)
		if err != nil {
			return nil, err
		}
		x.folders = folders
	}
	for _, f := range x.folders {
		if f.ID == id {
			return f, nil
		}
	}
	return x.store.GetFolder(ctx, id)
}

// apply runs one task against the remote.
func (x *executor) apply(ctx context.Context, task *Task) error {
	switch task.Action {
	case models.ActionMarkUnread:
		return x.markUnread(ctx, task)
	case models.ActionMarkStarred:
		return x.markStarred(ctx, task)
	case models.ActionMove:
		return x.move(ctx, task)
	case models.ActionChangeLabels:
		return x.changeLabels(ctx, task)
	case models.ActionSaveDraft, models.ActionUpdateDraft:
		return x.saveDraft(ctx, task)
	case models.ActionDeleteDraft:
		return x.deleteFromFolderRole(ctx, task, models.RoleDrafts)
	case models.ActionSaveSentEmail:
		return x.saveSentEmail(ctx, task)
	case models.ActionDeleteSentEmail:
		return x.deleteFromFolderRole(ctx, task, models.RoleSent)
	case models.ActionCreateFolder, models.ActionCreateLabel:
		return x.createFolder(ctx, task)
	case models.ActionUpdateFolder, models.ActionUpdateLabel:
		return x.renameFolder(ctx, task)
	case models.ActionDeleteFolder, models.ActionDeleteLabel:
		return x.deleteFolder(ctx, task)
	case models.ActionCreateEvent, models.ActionUpdateEvent, models.ActionDeleteEvent:
		return x.submitEvent(ctx, task)
	}
	return fmt.Errorf("unknown action %q", task.Action)
}

// uidsByFolder groups a message's stored UIDs by folder.
func (x *executor) uidsByFolder(ctx context.Context, messageID int64) (map[int64][]uint32, error) {
	uids, err := x.store.MessageUIDs(ctx, messageID)
	if err != nil {
		return nil, err
	}
	byFolder := make(map[int64][]uint32)
	for _, u := range uids {
		byFolder[u.FolderID] = append(byFolder[u.FolderID], u.UID)
	}
	return byFolder, nil
}

// storeFlagOnAll applies a flag change to every copy of the message.
func (x *executor) storeFlagOnAll(ctx context.Context, messageID int64, add bool, flag string) error {
	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	byFolder, err := x.uidsByFolder(ctx, messageID)
	if err != nil {
		return err
	}
	for folderID, uids := range byFolder {
		folder, err := x.folderByID(ctx, folderID)
		if err != nil {
			return err
		}
		if _, err := session.Select(x.mapper.ToRemote(folder.Name), nil); err != nil {
			return err
		}
		if err := session.StoreFlags(uids, add, []string{flag}); err != nil {
			return err
		}
	}
	return nil
}

func (x *executor) markUnread(ctx context.Context, task *Task) error {
	var args struct {
		Unread bool `json:"unread"`
	}
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("malformed mark_unread args: %w", err)
	}
	// unread=true clears \Seen.
	return x.storeFlagOnAll(ctx, task.RecordID, !args.Unread, "\\Seen")
}

func (x *executor) markStarred(ctx context.Context, task *Task) error {
	var args struct {
		Starred bool `json:"starred"`
	}
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("malformed mark_starred args: %w", err)
	}
	return x.storeFlagOnAll(ctx, task.RecordID, args.Starred, "\\Flagged")
}

// move copies the message to the destination folder then expunges the
// source copies. The new UID is discovered by the destination folder's next
// poll rather than parsed out of COPYUID.
func (x *executor) move(ctx context.Context, task *Task) error {
	var args struct {
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("malformed move args: %w", err)
	}
	if args.Destination == "" {
		return fmt.Errorf("move without destination")
	}

	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	byFolder, err := x.uidsByFolder(ctx, task.RecordID)
	if err != nil {
		return err
	}
	dest := x.mapper.ToRemote(args.Destination)

	for folderID, uids := range byFolder {
		folder, err := x.folderByID(ctx, folderID)
		if err != nil {
			return err
		}
		if folder.Name == args.Destination {
			continue
		}
		if _, err := session.Select(x.mapper.ToRemote(folder.Name), nil); err != nil {
			return err
		}
		if err := session.Copy(uids, dest); err != nil {
			return err
		}
		if err := session.StoreFlags(uids, true, []string{"\\Deleted"}); err != nil {
			return err
		}
		if err := session.Expunge(); err != nil {
			return err
		}
	}
	return nil
}

// changeLabels applies a net label change on Gmail via the All Mail copy.
func (x *executor) changeLabels(ctx context.Context, task *Task) error {
	if !x.account.Provider.SupportsLabels() {
		return fmt.Errorf("change_labels on provider %s", x.account.Provider)
	}
	var args labelChange
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("malformed change_labels args: %w", err)
	}
	if len(args.AddedLabels) == 0 && len(args.RemovedLabels) == 0 {
		// Fully canceled out during coalescing.
		return nil
	}

	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	allMail, err := x.folderByRole(ctx, models.RoleAll)
	if err != nil {
		return err
	}
	byFolder, err := x.uidsByFolder(ctx, task.RecordID)
	if err != nil {
		return err
	}
	uids, ok := byFolder[allMail.ID]
	if !ok {
		return fmt.Errorf("message %d has no all-mail uid", task.RecordID)
	}

	if _, err := session.Select(x.mapper.ToRemote(allMail.Name), nil); err != nil {
		return err
	}
	if len(args.AddedLabels) > 0 {
		if err := session.StoreLabels(uids, true, args.AddedLabels); err != nil {
			return err
		}
	}
	if len(args.RemovedLabels) > 0 {
		if err := session.StoreLabels(uids, false, args.RemovedLabels); err != nil {
			return err
		}
	}
	return nil
}

// saveDraft appends the draft's current body to the drafts folder. For
// update_draft the superseded copies are expunged afterwards; the old
// local UIDs disappear on the folder's next poll.
func (x *executor) saveDraft(ctx context.Context, task *Task) error {
	msg, err := x.store.GetMessage(ctx, task.RecordID)
	if err != nil {
		return err
	}
	body, err := x.store.Blobs().Get(ctx, msg.DataSHA256)
	if err != nil {
		return err
	}
	if body == nil {
		return fmt.Errorf("draft %d body missing from blob store", task.RecordID)
	}

	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	drafts, err := x.folderByRole(ctx, models.RoleDrafts)
	if err != nil {
		return err
	}
	remote := x.mapper.ToRemote(drafts.Name)
	if err := session.Append(remote, []string{"\\Draft", "\\Seen"}, time.Now(), body); err != nil {
		return err
	}

	if task.Action == models.ActionUpdateDraft {
		return x.expungeStoredUIDs(ctx, session, task.RecordID, drafts)
	}
	return nil
}

// deleteFromFolderRole expunges the record's UIDs from the folder with the
// given role.
func (x *executor) deleteFromFolderRole(ctx context.Context, task *Task, role models.FolderRole) error {
	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	folder, err := x.folderByRole(ctx, role)
	if err != nil {
		return err
	}
	return x.expungeStoredUIDs(ctx, session, task.RecordID, folder)
}

func (x *executor) expungeStoredUIDs(ctx context.Context, session *imapconn.Session, messageID int64, folder *models.Folder) error {
	byFolder, err := x.uidsByFolder(ctx, messageID)
	if err != nil {
		return err
	}
	uids, ok := byFolder[folder.ID]
	if !ok {
		return nil
	}
	if _, err := session.Select(x.mapper.ToRemote(folder.Name), nil); err != nil {
		return err
	}
	if err := session.StoreFlags(uids, true, []string{"\\Deleted"}); err != nil {
		return err
	}
	return session.Expunge()
}

// saveSentEmail lands a sent message in the sent folder. Providers that
// auto-save on submission skip the APPEND; ones without a submission
// pipeline get the message handed to their SMTP server first.
func (x *executor) saveSentEmail(ctx context.Context, task *Task) error {
	var args struct {
		SMTPSubmit bool     `json:"smtp_submit"`
		To         []string `json:"to"`
	}
	if len(task.ExtraArgs) > 0 {
		if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
			return fmt.Errorf("malformed save_sent_email args: %w", err)
		}
	}

	msg, err := x.store.GetMessage(ctx, task.RecordID)
	if err != nil {
		return err
	}
	body, err := x.store.Blobs().Get(ctx, msg.DataSHA256)
	if err != nil {
		return err
	}
	if body == nil {
		return fmt.Errorf("sent message %d body missing from blob store", task.RecordID)
	}

	if args.SMTPSubmit {
		if err := x.smtpSubmit(args.To, body); err != nil {
			return err
		}
		if x.account.Provider == models.ProviderGmail {
			// Gmail files the submitted message into Sent itself.
			return nil
		}
	}

	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	sent, err := x.folderByRole(ctx, models.RoleSent)
	if err != nil {
		return err
	}
	return session.Append(x.mapper.ToRemote(sent.Name), []string{"\\Seen"}, time.Now(), body)
}

// smtpSubmit hands a raw message to the account's SMTP server.
func (x *executor) smtpSubmit(to []string, body []byte) error {
	if x.account.SMTPServer == "" {
		return fmt.Errorf("account %d has no smtp server configured", x.account.ID)
	}
	if len(to) == 0 {
		return fmt.Errorf("smtp submission without recipients")
	}

	creds, err := x.tokens.Credentials(x.account.ID)
	if err != nil {
		return err
	}
	var auth sasl.Client
	if creds.AccessToken != "" {
		auth = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.AccessToken,
		})
	} else {
		auth = sasl.NewPlainClient("", creds.Username, creds.Password)
	}

	err = gosmtp.SendMail(x.account.SMTPServer, auth, x.account.EmailAddress, to, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("smtp submission failed: %w", err)
	}
	return nil
}

func (x *executor) createFolder(ctx context.Context, task *Task) error {
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("malformed create_folder args: %w", err)
	}
	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	if err := session.CreateFolder(x.mapper.ToRemote(args.Name)); err != nil {
		return err
	}
	// The monitor's next folder refresh picks the row up, but creating it
	// eagerly gives the API a folder id right away.
	_, err = x.store.UpsertFolder(ctx, x.account, args.Name, models.RoleNone)
	x.folders = nil
	return err
}

func (x *executor) renameFolder(ctx context.Context, task *Task) error {
	var args struct {
		OldName string `json:"old_name"`
		NewName string `json:"new_name"`
	}
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("malformed update_folder args: %w", err)
	}
	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	if err := session.RenameFolder(x.mapper.ToRemote(args.OldName), x.mapper.ToRemote(args.NewName)); err != nil {
		return err
	}
	x.folders = nil
	return nil
}

func (x *executor) deleteFolder(ctx context.Context, task *Task) error {
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("malformed delete_folder args: %w", err)
	}
	session, err := x.imap(ctx)
	if err != nil {
		return err
	}
	if err := session.DeleteFolder(x.mapper.ToRemote(args.Name)); err != nil {
		if imapconn.IsFolderMissing(err) {
			return nil
		}
		return err
	}
	x.folders = nil
	return nil
}

// submitEvent sends an iMIP message (the event's iCalendar payload wrapped
// in MIME) to the attendees over SMTP. IMAP providers have no calendar
// API; mail is the interoperable channel.
func (x *executor) submitEvent(ctx context.Context, task *Task) error {
	var args struct {
		MIME string   `json:"mime"`
		To   []string `json:"to"`
	}
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("malformed event args: %w", err)
	}
	if args.MIME == "" || len(args.To) == 0 {
		return fmt.Errorf("event submission needs mime and recipients")
	}
	return x.smtpSubmit(args.To, []byte(args.MIME))
}
