package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/storage"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// Session is an app connection: the account and chain a host was granted.
type Session struct {
	Host        string        `json:"host"`
	Origin      string        `json:"origin"`
	Address     types.Address `json:"address"`
	ChainID     types.ChainID `json:"chainId"`
	ConnectedAt time.Time     `json:"connectedAt"`
}

// Sessions holds app sessions by host, written through to db.
type Sessions struct {
	mu     sync.RWMutex
	db     storage.DB
	byHost map[string]Session
	logger zerolog.Logger
}

// NewSessions creates an empty session store over db.
func NewSessions(db storage.DB) *Sessions {
	return &Sessions{db: db, byHost: make(map[string]Session), logger: klog.Engine}
}

// Load reads persisted sessions.
func (s *Sessions) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.ForEach(nil, func(_, value []byte) error {
		var sess Session
		if err := json.Unmarshal(value, &sess); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		s.byHost[sess.Host] = sess
		return nil
	})
}

// Get returns the session of host.
func (s *Sessions) Get(host string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byHost[host]
	return sess, ok
}

// Put creates or replaces the session of sess.Host.
func (s *Sessions) Put(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.PutJSON(s.db, []byte(sess.Host), sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.byHost[sess.Host] = sess
	s.logger.Debug().Str("host", sess.Host).Str("address", sess.Address.String()).Str("chain", sess.ChainID.String()).Msg("Session saved")
	return nil
}

// Remove drops the session of host and reports whether one existed.
func (s *Sessions) Remove(host string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHost[host]; !ok {
		return false, nil
	}
	if err := s.db.Delete([]byte(host)); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	delete(s.byHost, host)
	return true, nil
}

// RemoveAddress drops every session bound to addr and returns their hosts.
func (s *Sessions) RemoveAddress(addr types.Address) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hosts []string
	for host, sess := range s.byHost {
		if sess.Address != addr {
			continue
		}
		if err := s.db.Delete([]byte(host)); err != nil {
			return hosts, fmt.Errorf("delete session: %w", err)
		}
		delete(s.byHost, host)
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// List returns all sessions ordered by host.
func (s *Sessions) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.byHost))
	for _, sess := range s.byHost {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
