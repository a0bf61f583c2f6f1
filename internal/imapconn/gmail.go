package imapconn

import (
	"fmt"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-imap/responses"
)

// Gmail's X-GM-EXT-1 extension exposes labels, a stable thread id, and a
// stable message id as extra FETCH items, plus label-based SEARCH and STORE.

const (
	fetchItemGmailLabels imap.FetchItem = "X-GM-LABELS"
	fetchItemGmailThrid  imap.FetchItem = "X-GM-THRID"
	fetchItemGmailMsgid  imap.FetchItem = "X-GM-MSGID"
)

// gmailLabelsFromItems pulls the label list out of a fetch response's item
// map. Labels arrive as a parenthesized list of astrings.
func gmailLabelsFromItems(items map[imap.FetchItem]interface{}) []string {
	raw, ok := items[fetchItemGmailLabels]
	if !ok || raw == nil {
		return nil
	}
	fields, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(fields))
	for _, field := range fields {
		if s, err := imap.ParseString(field); err == nil {
			labels = append(labels, s)
		}
	}
	return labels
}

// gmailUint64FromItems reads a numeric Gmail item (THRID, MSGID).
func gmailUint64FromItems(items map[imap.FetchItem]interface{}, item imap.FetchItem) uint64 {
	raw, ok := items[item]
	if !ok || raw == nil {
		return 0
	}
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
	}
	return 0
}

// modSeqFromItems reads the MODSEQ fetch item (CONDSTORE).
func modSeqFromItems(items map[imap.FetchItem]interface{}) uint64 {
	raw, ok := items[imap.FetchItem("MODSEQ")]
	if !ok || raw == nil {
		return 0
	}
	return parseModSeq(raw)
}

// StoreLabels adds or removes Gmail labels on the given UIDs via
// X-GM-LABELS.
func (s *Session) StoreLabels(uids []uint32, add bool, labels []string) error {
	if len(uids) == 0 || len(labels) == 0 {
		return nil
	}
	if !s.SupportsGmailExt() {
		return fmt.Errorf("server does not support X-GM-EXT-1")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.StoreItem("-X-GM-LABELS.SILENT")
	if add {
		item = imap.StoreItem("+X-GM-LABELS.SILENT")
	}

	values := make([]interface{}, len(labels))
	for i, l := range labels {
		values[i] = l
	}

	if err := s.c.UidStore(seqSet, item, values, nil); err != nil {
		return fmt.Errorf("failed to store labels: %w", err)
	}
	return nil
}

// SearchGmailLabel returns the UIDs in the selected folder carrying the
// given Gmail label (UID SEARCH X-GM-LABELS "name").
func (s *Session) SearchGmailLabel(label string) ([]uint32, error) {
	if !s.SupportsGmailExt() {
		return nil, fmt.Errorf("server does not support X-GM-EXT-1")
	}

	cmd := &rawUIDSearch{args: []interface{}{imap.RawString("X-GM-LABELS"), label}}
	res := new(responses.Search)

	status, err := s.c.Execute(cmd, res)
	if err != nil {
		return nil, fmt.Errorf("failed to search by label: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("label search rejected: %w", err)
	}
	return res.Ids, nil
}

// ChangedSinceUIDs returns the UIDs whose MODSEQ is greater than the given
// value (UID SEARCH MODSEQ n). Requires CONDSTORE.
func (s *Session) ChangedSinceUIDs(modSeq uint64) ([]uint32, error) {
	if !s.SupportsCondstore() {
		return nil, fmt.Errorf("server does not support CONDSTORE")
	}

	cmd := &rawUIDSearch{args: []interface{}{imap.RawString("MODSEQ"), modSeq + 1}}
	res := new(responses.Search)

	status, err := s.c.Execute(cmd, res)
	if err != nil {
		return nil, fmt.Errorf("failed to search by modseq: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("modseq search rejected: %w", err)
	}
	return res.Ids, nil
}

// rawUIDSearch issues a UID SEARCH with criteria go-imap's SearchCriteria
// cannot express (MODSEQ, X-GM-LABELS).
type rawUIDSearch struct {
	args []interface{}
}

func (c *rawUIDSearch) Command() *imap.Command {
	inner := &imap.Command{
		Name:      "SEARCH",
		Arguments: c.args,
	}
	uid := &commands.Uid{Cmd: inner}
	return uid.Command()
}
