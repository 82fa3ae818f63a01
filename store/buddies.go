package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/messaging"
)

// SaveBuddies replaces the stored buddy list. It implements buddy.Persister.
func (s *Store) SaveBuddies(records []buddy.Record) error {
	ctx := context.Background()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM buddies`); err != nil {
			return fmt.Errorf("clear buddies: %w", err)
		}
		for _, rec := range records {
			_, err := s.exec(ctx, tx, `INSERT INTO buddies
				(public_key, subsystem, nickname, address, tcp_port, udp_port, version,
				 last_online, last_message, categories, ygm_markers)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.PublicKey, int(rec.Subsystem), rec.Nickname, rec.Address,
				rec.TCPPort, rec.UDPPort, rec.Version,
				toMillis(rec.LastTimeOnline), toMillis(rec.LastMessageReceived),
				strings.Join(rec.LocalCategories, ","), formatMarkers(rec.YGMMarkers))
			if err != nil {
				return fmt.Errorf("insert buddy: %w", err)
			}
		}
		return nil
	})
}

// LoadBuddies returns the stored buddy list. It implements buddy.Persister.
func (s *Store) LoadBuddies() ([]buddy.Record, error) {
	rows, err := s.query(context.Background(), `SELECT
		public_key, subsystem, nickname, address, tcp_port, udp_port, version,
		last_online, last_message, categories, ygm_markers
		FROM buddies`)
	if err != nil {
		return nil, fmt.Errorf("query buddies: %w", err)
	}
	defer rows.Close()

	var records []buddy.Record
	for rows.Next() {
		var (
			rec                     buddy.Record
			subsystem               int
			lastOnline, lastMessage int64
			categories, markers     string
		)
		if err := rows.Scan(&rec.PublicKey, &subsystem, &rec.Nickname, &rec.Address,
			&rec.TCPPort, &rec.UDPPort, &rec.Version, &lastOnline, &lastMessage,
			&categories, &markers); err != nil {
			return nil, fmt.Errorf("scan buddy: %w", err)
		}
		rec.Subsystem = messaging.Subsystem(subsystem)
		rec.LastTimeOnline = fromMillis(lastOnline)
		rec.LastMessageReceived = fromMillis(lastMessage)
		rec.LocalCategories = splitList(categories)
		rec.YGMMarkers = parseMarkers(markers)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatMarkers(markers []int64) string {
	parts := make([]string, len(markers))
	for i, m := range markers {
		parts[i] = strconv.FormatInt(m, 10)
	}
	return strings.Join(parts, ",")
}

func parseMarkers(s string) []int64 {
	var out []int64
	for _, part := range splitList(s) {
		if m, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, m)
		}
	}
	return out
}

var _ buddy.Persister = (*Store)(nil)
