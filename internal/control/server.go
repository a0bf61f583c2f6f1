// Package control is the per-process HTTP surface: health, a snapshot of
// running monitors, and a websocket tail of the transaction log for
// delta-feed consumers.
package control

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/scheduler"
	"github.com/vdavid/mailsync/internal/store"
)

// deltaPollInterval is how often an idle websocket checks for new
// transactions.
const deltaPollInterval = 1 * time.Second

// deltaPageSize bounds one websocket write.
const deltaPageSize = 100

type Server struct {
	cfg      *config.Config
	store    *store.Store
	sched    *scheduler.Scheduler
	server   *http.Server
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, st *store.Store, sched *scheduler.Scheduler) *Server {
	s := &Server{
		cfg:   cfg,
		store: st,
		sched: sched,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/accounts", s.handleAccounts)
	mux.HandleFunc("/deltas", s.handleDeltas)

	s.server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket writes have their own deadlines
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() {
	log.Printf("[control] listening on :%s", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[control] listener stopped: %v", err)
	}
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"process": s.sched.ProcessID(),
	})
}

// handleAccounts reports which accounts (and folders) this process is
// syncing right now.
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	running := s.sched.RunningAccounts()

	type accountStatus struct {
		AccountID int64   `json:"account_id"`
		FolderIDs []int64 `json:"folder_ids"`
	}
	out := make([]accountStatus, 0, len(running))
	for id, folders := range running {
		out = append(out, accountStatus{AccountID: id, FolderIDs: folders})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"process":  s.sched.ProcessID(),
		"accounts": out,
	})
}

// handleDeltas streams transaction rows for a namespace over a websocket,
// starting after the given cursor (0 = from the beginning, "latest" =
// only new ones).
func (s *Server) handleDeltas(w http.ResponseWriter, r *http.Request) {
	namespaceID, err := strconv.ParseInt(r.URL.Query().Get("namespace_id"), 10, 64)
	if err != nil {
		http.Error(w, "namespace_id required", http.StatusBadRequest)
		return
	}

	cursor := int64(0)
	switch raw := r.URL.Query().Get("cursor"); raw {
	case "", "0":
	case "latest":
		cursor, err = s.store.LatestTransactionID(r.Context(), namespaceID)
		if err != nil {
			http.Error(w, "failed to resolve cursor", http.StatusInternalServerError)
			return
		}
	default:
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Discard client frames, but notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-time.After(deltaPollInterval):
		}

		txns, err := s.store.TransactionsSince(r.Context(), namespaceID, cursor, deltaPageSize)
		if err != nil {
			log.Printf("[control] delta query failed for namespace %d: %v", namespaceID, err)
			return
		}
		if len(txns) == 0 {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(txns); err != nil {
			return
		}
		cursor = txns[len(txns)-1].ID
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[control] failed to encode response: %v", err)
	}
}
