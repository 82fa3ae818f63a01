package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/persistent"
)

const messageColumns = `buddy, id, queue, subsystem, timeout_ms, created, sealed_by, request, reply`

// AddEntry stores e and assigns its ID. It implements persistent.Store.
func (s *Store) AddEntry(ctx context.Context, e *persistent.Entry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var id, position int64
		if err := s.queryRow(ctx, tx,
			`SELECT COALESCE(MAX(id), 0) + 1 FROM persistent_messages WHERE buddy = ?`,
			e.Buddy).Scan(&id); err != nil {
			return fmt.Errorf("next message id: %w", err)
		}
		if err := s.queryRow(ctx, tx,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM persistent_messages`).Scan(&position); err != nil {
			return fmt.Errorf("next position: %w", err)
		}

		_, err := s.exec(ctx, tx, `INSERT INTO persistent_messages
			(`+messageColumns+`, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Buddy, id, string(e.Queue), int(e.Subsystem), e.Timeout.Milliseconds(),
			toMillis(e.Created), e.SealedBy, e.Request, e.Reply, position)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		e.ID = id
		return nil
	})
}

// Entries lists the entries of a queue in order. It implements persistent.Store.
func (s *Store) Entries(ctx context.Context, buddy []byte, queue persistent.Queue) ([]*persistent.Entry, error) {
	rows, err := s.query(ctx, `SELECT `+messageColumns+`
		FROM persistent_messages WHERE buddy = ? AND queue = ?
		ORDER BY position`, buddy, string(queue))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*persistent.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*persistent.Entry, error) {
	var (
		e                  persistent.Entry
		queue              string
		subsystem          int
		timeoutMS, created int64
	)
	if err := rows.Scan(&e.Buddy, &e.ID, &queue, &subsystem, &timeoutMS, &created,
		&e.SealedBy, &e.Request, &e.Reply); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	e.Queue = persistent.Queue(queue)
	e.Subsystem = messaging.Subsystem(subsystem)
	e.Timeout = time.Duration(timeoutMS) * time.Millisecond
	e.Created = fromMillis(created)
	return &e, nil
}

// MoveEntry moves an entry to the back of another queue and records its
// reply. It implements persistent.Store.
func (s *Store) MoveEntry(ctx context.Context, buddy []byte, id int64, queue persistent.Queue, reply []byte) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var position int64
		if err := s.queryRow(ctx, tx,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM persistent_messages`).Scan(&position); err != nil {
			return fmt.Errorf("next position: %w", err)
		}
		res, err := s.exec(ctx, tx, `UPDATE persistent_messages
			SET queue = ?, reply = ?, position = ? WHERE buddy = ? AND id = ?`,
			string(queue), reply, position, buddy, id)
		if err != nil {
			return fmt.Errorf("move message: %w", err)
		}
		return requireRow(res)
	})
}

// DeleteEntry removes one entry. It implements persistent.Store.
func (s *Store) DeleteEntry(ctx context.Context, buddy []byte, id int64) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM persistent_messages WHERE buddy = ? AND id = ?`), buddy, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return requireRow(res)
}

// DeleteBuddy removes every entry of a buddy. It implements persistent.Store.
func (s *Store) DeleteBuddy(ctx context.Context, buddy []byte) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM persistent_messages WHERE buddy = ?`), buddy)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// PendingBuddies lists buddies with undelivered or unconfirmed entries.
// It implements persistent.Store.
func (s *Store) PendingBuddies(ctx context.Context) ([][]byte, error) {
	rows, err := s.query(ctx, `SELECT buddy, MIN(position) AS first
		FROM persistent_messages WHERE queue IN (?, ?)
		GROUP BY buddy ORDER BY first`,
		string(persistent.QueueMessages), string(persistent.QueuePendingSuccess))
	if err != nil {
		return nil, fmt.Errorf("query pending buddies: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var (
			pk    []byte
			first int64
		)
		if err := rows.Scan(&pk, &first); err != nil {
			return nil, fmt.Errorf("scan pending buddy: %w", err)
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return persistent.ErrNotFound
	}
	return nil
}

var _ persistent.Store = (*Store)(nil)
