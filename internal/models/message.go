package models

import "time"

// Message is a mail message, content-identified by the SHA-256 of its raw
// MIME body. Several ImapUids (across folders, even across accounts) may
// point at the same Message row's body hash.
type Message struct {
	ID              int64      `json:"id"`
	PublicID        string     `json:"public_id"`
	NamespaceID     int64      `json:"namespace_id"`
	ThreadID        int64      `json:"thread_id"`
	DataSHA256      string     `json:"data_sha256"`
	Size            int64      `json:"size"`
	MessageIDHeader string     `json:"message_id_header"`
	InReplyTo       string     `json:"in_reply_to"`
	References      []string   `json:"references"`
	Subject         string     `json:"subject"`
	FromAddress     string     `json:"from_address"`
	ToAddresses     []string   `json:"to_addresses"`
	CCAddresses     []string   `json:"cc_addresses"`
	Snippet         string     `json:"snippet"`
	ReceivedDate    time.Time  `json:"received_date"`
	IsRead          bool       `json:"is_read"`
	IsStarred       bool       `json:"is_starred"`
	IsDraft         bool       `json:"is_draft"`
	Version         int64      `json:"version"`
	GThrid          uint64     `json:"g_thrid,omitempty"`
	GMsgid          uint64     `json:"g_msgid,omitempty"`
	CategoryIDs     []int64    `json:"category_ids"`
	DeletedAt       *time.Time `json:"deleted_at"`
}

// ImapUid ties a Message to a (account, folder, UID) triple. The triple is
// unique; a UID disappearing remotely deletes the row and may tombstone the
// owning Message.
type ImapUid struct {
	ID         int64    `json:"id"`
	AccountID  int64    `json:"account_id"`
	FolderID   int64    `json:"folder_id"`
	MessageID  int64    `json:"message_id"`
	UID        uint32   `json:"uid"`
	IsSeen     bool     `json:"is_seen"`
	IsFlagged  bool     `json:"is_flagged"`
	IsDraft    bool     `json:"is_draft"`
	IsAnswered bool     `json:"is_answered"`
	GLabels    []string `json:"g_labels,omitempty"`
}

// MaxThreadLength is the hard cap on messages per thread. Past it, new
// messages with the same thread key open a fresh Thread.
const MaxThreadLength = 500

// Thread groups messages by provider thread id (Gmail X-GM-THRID) or by the
// References/subject heuristic for generic IMAP.
type Thread struct {
	ID             int64      `json:"id"`
	PublicID       string     `json:"public_id"`
	NamespaceID    int64      `json:"namespace_id"`
	ThreadKey      string     `json:"thread_key"`
	Subject        string     `json:"subject"`
	Snippet        string     `json:"snippet"`
	MessageCount   int        `json:"message_count"`
	FirstMessageAt *time.Time `json:"first_message_at"`
	LastMessageAt  *time.Time `json:"last_message_at"`
	Version        int64      `json:"version"`
	DeletedAt      *time.Time `json:"deleted_at"`
}
