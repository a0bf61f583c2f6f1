package threading

import (
	"fmt"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// ServerThreads asks a server that advertises THREAD=REFERENCES to group
// the selected folder for us, returning a map of message UID to the UID of
// its thread root. Cheaper than fetching reference headers for the whole
// folder when the server supports it.
func ServerThreads(c *client.Client) (map[uint32]uint32, error) {
	threadClient := sortthread.NewThreadClient(c)

	ok, err := threadClient.SupportThread()
	if err != nil {
		return nil, fmt.Errorf("failed to probe THREAD support: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("server does not support THREAD")
	}

	threads, err := threadClient.UidThread(sortthread.References, imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("THREAD command returned error: %w", err)
	}

	uidToRoot := make(map[uint32]uint32)
	var walk func(t *sortthread.Thread, root uint32)
	walk = func(t *sortthread.Thread, root uint32) {
		if t == nil {
			return
		}
		uidToRoot[t.Id] = root
		for _, child := range t.Children {
			walk(child, root)
		}
	}
	for _, t := range threads {
		if t == nil {
			continue
		}
		walk(t, t.Id)
	}
	return uidToRoot, nil
}
