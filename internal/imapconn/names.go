package imapconn

import "strings"

// NameMapper translates between API-visible folder names and the server's
// raw names for accounts that use a namespace prefix and a non-slash
// separator (e.g. prefix "INBOX." with separator "."). The zero value is an
// identity mapping.
type NameMapper struct {
	Prefix    string
	Separator string
}

// ToLocal converts a raw server folder name into the API-visible form:
// prefix stripped, separator replaced with "/". INBOX is never rewritten.
func (m NameMapper) ToLocal(remote string) string {
	if strings.EqualFold(remote, "INBOX") {
		return remote
	}
	name := remote
	if m.Prefix != "" {
		name = strings.TrimPrefix(name, m.Prefix)
	}
	if m.Separator != "" && m.Separator != "/" {
		name = strings.ReplaceAll(name, m.Separator, "/")
	}
	return name
}

// ToRemote reverses ToLocal for outgoing operations.
func (m NameMapper) ToRemote(local string) string {
	if strings.EqualFold(local, "INBOX") {
		return local
	}
	name := local
	if m.Separator != "" && m.Separator != "/" {
		name = strings.ReplaceAll(name, "/", m.Separator)
	}
	if m.Prefix != "" && !strings.HasPrefix(name, m.Prefix) {
		name = m.Prefix + name
	}
	return name
}
