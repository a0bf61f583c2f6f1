package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/imapconn"
)

// fileTokenProvider reads account credentials from a JSON file mapping
// account id to username/password or OAuth token. The file is re-read when
// it changes on disk, so token refreshes only need a rewrite, not a
// restart. Credentials deliberately never live in the database.
type fileTokenProvider struct {
	path string

	mu      sync.RWMutex
	loaded  time.Time
	entries map[int64]imapconn.Credentials
}

type credentialsEntry struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	AccessToken string `json:"access_token"`
}

func newFileTokenProvider(path string) (*fileTokenProvider, error) {
	p := &fileTokenProvider{path: path}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *fileTokenProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var raw map[string]credentialsEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	entries := make(map[int64]imapconn.Credentials, len(raw))
	for key, e := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q in credentials file", key)
		}
		entries[id] = imapconn.Credentials{
			Username:    e.Username,
			Password:    e.Password,
			AccessToken: e.AccessToken,
		}
	}

	p.mu.Lock()
	p.entries = entries
	p.loaded = time.Now()
	p.mu.Unlock()
	return nil
}

// Credentials returns the stored credentials for an account, reloading the
// file when it was modified since the last read.
func (p *fileTokenProvider) Credentials(accountID int64) (imapconn.Credentials, error) {
	if info, err := os.Stat(p.path); err == nil {
		p.mu.RLock()
		stale := info.ModTime().After(p.loaded)
		p.mu.RUnlock()
		if stale {
			if err := p.reload(); err != nil {
				return imapconn.Credentials{}, err
			}
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	creds, ok := p.entries[accountID]
	if !ok {
		return imapconn.Credentials{}, fmt.Errorf("no credentials for account %d", accountID)
	}
	return creds, nil
}
