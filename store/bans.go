package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/buddynet/crypto"
)

// Ban is one banned host.
type Ban struct {
	Host    string
	Reason  string
	Created time.Time
}

// Bans returns every banned host.
func (s *Store) Bans(ctx context.Context) ([]Ban, error) {
	rows, err := s.query(ctx, `SELECT host, reason, created FROM banned_hosts ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var (
			b       Ban
			created int64
		)
		if err := rows.Scan(&b.Host, &b.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		b.Created = fromMillis(created)
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// AddBan stores or replaces a ban.
func (s *Store) AddBan(ctx context.Context, b Ban) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `INSERT INTO banned_hosts (host, reason, created)
			VALUES (?, ?, ?)
			ON CONFLICT (host) DO UPDATE SET reason = excluded.reason, created = excluded.created`,
			b.Host, b.Reason, toMillis(b.Created))
		if err != nil {
			return fmt.Errorf("insert ban: %w", err)
		}
		return nil
	})
}

// RemoveBan deletes a ban.
func (s *Store) RemoveBan(ctx context.Context, host string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM banned_hosts WHERE host = ?`, host); err != nil {
			return fmt.Errorf("delete ban: %w", err)
		}
		return nil
	})
}

// BanList is a cached view of the banned hosts that writes through to
// the store. It implements chat.IPFilter.
type BanList struct {
	store *Store

	mu    sync.RWMutex
	hosts map[string]string
}

// NewBanList loads the stored bans.
func NewBanList(ctx context.Context, s *Store) (*BanList, error) {
	bans, err := s.Bans(ctx)
	if err != nil {
		return nil, err
	}
	l := &BanList{store: s, hosts: make(map[string]string, len(bans))}
	for _, b := range bans {
		l.hosts[b.Host] = b.Reason
	}
	return l, nil
}

// Ban blocks host.
func (l *BanList) Ban(host, reason string) {
	l.mu.Lock()
	l.hosts[host] = reason
	l.mu.Unlock()

	if err := l.store.AddBan(context.Background(), Ban{Host: host, Reason: reason, Created: time.Now()}); err != nil {
		crypto.NewPackageLogger("store", "Ban").
			WithField("host", host).
			WithError(err, "sql", "insert").
			Warn("Failed to persist ban")
		return
	}
	crypto.NewPackageLogger("store", "Ban").
		WithField("host", host).
		WithField("reason", reason).
		Info("Host banned")
}

// Unban lifts a ban.
func (l *BanList) Unban(host string) {
	l.mu.Lock()
	_, ok := l.hosts[host]
	delete(l.hosts, host)
	l.mu.Unlock()
	if !ok {
		return
	}

	if err := l.store.RemoveBan(context.Background(), host); err != nil {
		crypto.NewPackageLogger("store", "Unban").
			WithField("host", host).
			WithError(err, "sql", "delete").
			Warn("Failed to remove ban")
	}
}

// IsBlocked reports whether host is banned.
func (l *BanList) IsBlocked(host string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.hosts[host]
	return ok
}
