// Package index is the relational metadata store for synced messages.
//
// It keeps deduplicated lookup tables (mailboxes, labels, addresses,
// subjects), a message table keyed by the content store digest, the
// many-to-many association tables, and per-(mailbox,label) snapshot
// watermarks. All mutations are idempotent under ignore-on-conflict unique
// constraints: calling them twice with the same arguments is a no-op the
// second time.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"imapcas/internal/index/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// dateFormat is the canonical text representation for timestamps.
const dateFormat = time.RFC3339Nano

// Index is an open metadata database.
//
// Lookup-or-create calls (AddMailbox, AddLabel, AddAddress, AddSubject) are
// memoized per instance; reopening the same file yields a fresh cache.
// The underlying connection pool is limited to a single connection, so all
// statements are serialized.
type Index struct {
	db   *sql.DB
	path string

	mu        sync.Mutex
	mailboxes map[string]int64
	labels    map[string]int64
	addresses map[string]int64
	subjects  map[string]int64
}

// Open opens (or creates) the metadata database at path and applies any
// pending schema migrations.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite writes are serialized anyway, and a single
	// connection keeps transaction state unambiguous.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Index{
		db:        db,
		path:      path,
		mailboxes: make(map[string]int64),
		labels:    make(map[string]int64),
		addresses: make(map[string]int64),
		subjects:  make(map[string]int64),
	}, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// invalidateCaches drops all memoized lookup ids. Called after a rollback,
// since a cached id may belong to a row that was rolled back.
func (ix *Index) invalidateCaches() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.mailboxes = make(map[string]int64)
	ix.labels = make(map[string]int64)
	ix.addresses = make(map[string]int64)
	ix.subjects = make(map[string]int64)
}

func (ix *Index) cached(cache map[string]int64, key string) (int64, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id, ok := cache[key]
	return id, ok
}

func (ix *Index) remember(cache map[string]int64, key string, id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cache[key] = id
}

// Tx is a transaction handle. All mutation methods live on Tx; nested
// composition happens by passing the same Tx down, so an outer unit commits
// once and any error rolls back the whole unit.
type Tx struct {
	ix *Index
	tx *sql.Tx
}

// WithTx runs fn inside a transaction. On error the transaction is rolled
// back, the lookup caches are invalidated, and the error is returned.
func (ix *Index) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&Tx{ix: ix, tx: tx}); err != nil {
		tx.Rollback()
		ix.invalidateCaches()
		return err
	}
	if err := tx.Commit(); err != nil {
		ix.invalidateCaches()
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// lookupOrCreate inserts value into the named single-column table if absent
// and returns its surrogate id.
func (t *Tx) lookupOrCreate(ctx context.Context, cache map[string]int64, table, column, value string) (int64, error) {
	if id, ok := t.ix.cached(cache, value); ok {
		return id, nil
	}
	insert := fmt.Sprintf("INSERT OR IGNORE INTO %s(%s) VALUES (?)", table, column)
	if _, err := t.tx.ExecContext(ctx, insert, value); err != nil {
		return 0, fmt.Errorf("inserting into %s: %w", table, err)
	}
	query := fmt.Sprintf("SELECT %s_id FROM %s WHERE %s = ?", table, table, column)
	var id int64
	if err := t.tx.QueryRowContext(ctx, query, value).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolving %s id: %w", table, err)
	}
	t.ix.remember(cache, value, id)
	return id, nil
}

// AddMailbox returns the id of the named mailbox, creating it if needed.
func (t *Tx) AddMailbox(ctx context.Context, name string) (int64, error) {
	return t.lookupOrCreate(ctx, t.ix.mailboxes, "mailbox", "name", name)
}

// AddLabel returns the id of the named label, creating it if needed.
func (t *Tx) AddLabel(ctx context.Context, name string) (int64, error) {
	return t.lookupOrCreate(ctx, t.ix.labels, "label", "name", name)
}

// AddAddress returns the id of the given address, creating it if needed.
// Addresses are lower-cased.
func (t *Tx) AddAddress(ctx context.Context, address string) (int64, error) {
	return t.lookupOrCreate(ctx, t.ix.addresses, "address", "address", strings.ToLower(address))
}

// AddSubject returns the id of the given subject text, creating it if needed.
func (t *Tx) AddSubject(ctx context.Context, text string) (int64, error) {
	return t.lookupOrCreate(ctx, t.ix.subjects, "subject", "text", text)
}

// AddMessage upserts a message by its store id and returns the row id
// regardless of whether the insert happened. A zero date is stored as NULL.
func (t *Tx) AddMessage(ctx context.Context, storeID, emailID string, date time.Time, subject string) (int64, error) {
	subjectID, err := t.AddSubject(ctx, subject)
	if err != nil {
		return 0, err
	}

	var dateVal sql.NullString
	if !date.IsZero() {
		dateVal = sql.NullString{String: date.Format(dateFormat), Valid: true}
	}
	_, err = t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO message(store_id, email_id, date, subject_id) VALUES (?, ?, ?, ?)",
		storeID, emailID, dateVal, subjectID)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	var id int64
	if err := t.tx.QueryRowContext(ctx, "SELECT message_id FROM message WHERE store_id = ?", storeID).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolving message id: %w", err)
	}
	return id, nil
}

// AssignMessageToMailbox links a message to a mailbox.
func (t *Tx) AssignMessageToMailbox(ctx context.Context, messageID, mailboxID int64) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO message_mailbox(message_id, mailbox_id) VALUES (?, ?)",
		messageID, mailboxID)
	if err != nil {
		return fmt.Errorf("assigning message to mailbox: %w", err)
	}
	return nil
}

// AddMessageLabels adds the named labels to a message, creating labels as
// needed. Existing links are untouched.
func (t *Tx) AddMessageLabels(ctx context.Context, messageID int64, names ...string) error {
	for _, name := range names {
		labelID, err := t.AddLabel(ctx, name)
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_label(message_id, label_id) VALUES (?, ?)",
			messageID, labelID)
		if err != nil {
			return fmt.Errorf("adding message label: %w", err)
		}
	}
	return nil
}

// UpdateMessageLabels reconciles a message's label set to exactly the given
// names: missing labels are added, extra links are removed.
func (t *Tx) UpdateMessageLabels(ctx context.Context, messageID int64, names ...string) error {
	current := make(map[int64]bool, len(names))
	for _, name := range names {
		labelID, err := t.AddLabel(ctx, name)
		if err != nil {
			return err
		}
		current[labelID] = true
		_, err = t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_label(message_id, label_id) VALUES (?, ?)",
			messageID, labelID)
		if err != nil {
			return fmt.Errorf("adding message label: %w", err)
		}
	}

	rows, err := t.tx.QueryContext(ctx, "SELECT label_id FROM message_label WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("listing message labels: %w", err)
	}
	var extra []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning label id: %w", err)
		}
		if !current[id] {
			extra = append(extra, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("listing message labels: %w", err)
	}
	rows.Close()

	for _, id := range extra {
		_, err := t.tx.ExecContext(ctx,
			"DELETE FROM message_label WHERE message_id = ? AND label_id = ?", messageID, id)
		if err != nil {
			return fmt.Errorf("removing message label: %w", err)
		}
	}
	return nil
}

// AddMessageSenders links sender addresses to a message.
func (t *Tx) AddMessageSenders(ctx context.Context, messageID int64, addrs ...string) error {
	return t.addMessageAddresses(ctx, "message_sender", messageID, addrs)
}

// AddMessageRecipients links recipient addresses to a message.
func (t *Tx) AddMessageRecipients(ctx context.Context, messageID int64, addrs ...string) error {
	return t.addMessageAddresses(ctx, "message_recipient", messageID, addrs)
}

func (t *Tx) addMessageAddresses(ctx context.Context, table string, messageID int64, addrs []string) error {
	for _, addr := range addrs {
		addrID, err := t.AddAddress(ctx, addr)
		if err != nil {
			return err
		}
		insert := fmt.Sprintf("INSERT OR IGNORE INTO %s(message_id, address_id) VALUES (?, ?)", table)
		if _, err := t.tx.ExecContext(ctx, insert, messageID, addrID); err != nil {
			return fmt.Errorf("inserting into %s: %w", table, err)
		}
	}
	return nil
}

// SetSnapshot replaces the watermark for a (mailbox, label) pair.
// The UNIQUE(mailbox_id, label_id) ON CONFLICT REPLACE constraint makes the
// plain insert an upsert.
func (t *Tx) SetSnapshot(ctx context.Context, mailboxID, labelID int64, date time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO snapshot(mailbox_id, label_id, date) VALUES (?, ?, ?)",
		mailboxID, labelID, date.Format(dateFormat))
	if err != nil {
		return fmt.Errorf("setting snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the watermark for a (mailbox, label) pair, or all
// watermarks of the mailbox when labelID is 0.
func (t *Tx) DeleteSnapshot(ctx context.Context, mailboxID, labelID int64) error {
	var err error
	if labelID != 0 {
		_, err = t.tx.ExecContext(ctx,
			"DELETE FROM snapshot WHERE mailbox_id = ? AND label_id = ?", mailboxID, labelID)
	} else {
		_, err = t.tx.ExecContext(ctx, "DELETE FROM snapshot WHERE mailbox_id = ?", mailboxID)
	}
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// Single-call convenience wrappers. Each runs in its own transaction.

func (ix *Index) AddMailbox(ctx context.Context, name string) (int64, error) {
	return ix.inTx(ctx, func(t *Tx) (int64, error) { return t.AddMailbox(ctx, name) })
}

func (ix *Index) AddLabel(ctx context.Context, name string) (int64, error) {
	return ix.inTx(ctx, func(t *Tx) (int64, error) { return t.AddLabel(ctx, name) })
}

func (ix *Index) AddAddress(ctx context.Context, address string) (int64, error) {
	return ix.inTx(ctx, func(t *Tx) (int64, error) { return t.AddAddress(ctx, address) })
}

func (ix *Index) AddSubject(ctx context.Context, text string) (int64, error) {
	return ix.inTx(ctx, func(t *Tx) (int64, error) { return t.AddSubject(ctx, text) })
}

func (ix *Index) AddMessage(ctx context.Context, storeID, emailID string, date time.Time, subject string) (int64, error) {
	return ix.inTx(ctx, func(t *Tx) (int64, error) { return t.AddMessage(ctx, storeID, emailID, date, subject) })
}

func (ix *Index) UpdateMessageLabels(ctx context.Context, messageID int64, names ...string) error {
	return ix.WithTx(ctx, func(t *Tx) error { return t.UpdateMessageLabels(ctx, messageID, names...) })
}

func (ix *Index) SetSnapshot(ctx context.Context, mailboxID, labelID int64, date time.Time) error {
	return ix.WithTx(ctx, func(t *Tx) error { return t.SetSnapshot(ctx, mailboxID, labelID, date) })
}

func (ix *Index) DeleteSnapshot(ctx context.Context, mailboxID, labelID int64) error {
	return ix.WithTx(ctx, func(t *Tx) error { return t.DeleteSnapshot(ctx, mailboxID, labelID) })
}

func (ix *Index) inTx(ctx context.Context, fn func(t *Tx) (int64, error)) (int64, error) {
	var id int64
	err := ix.WithTx(ctx, func(t *Tx) error {
		var err error
		id, err = fn(t)
		return err
	})
	return id, err
}

// GetSnapshotDate returns the stored watermark for a (mailbox, label) pair.
// The second return value is false when no watermark has been recorded yet.
func (ix *Index) GetSnapshotDate(ctx context.Context, mailboxID, labelID int64) (time.Time, bool, error) {
	var raw string
	err := ix.db.QueryRowContext(ctx,
		"SELECT date FROM snapshot WHERE mailbox_id = ? AND label_id = ?",
		mailboxID, labelID).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading snapshot: %w", err)
	}
	date, err := time.Parse(dateFormat, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing snapshot date %q: %w", raw, err)
	}
	return date, true, nil
}

// MessageLabels returns the label names currently linked to a message.
func (ix *Index) MessageLabels(ctx context.Context, messageID int64) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx,
		"SELECT label.name FROM message_label JOIN label USING (label_id) WHERE message_id = ? ORDER BY label.name",
		messageID)
	if err != nil {
		return nil, fmt.Errorf("listing message labels: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning label name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// MessageView is one row of the denormalized message projection.
type MessageView struct {
	MessageID int64
	EmailID   string
	StoreID   string
	Date      string
	Mailbox   string
	Sender    string
	Recipient string
	Subject   string
}

// Messages returns the denormalized message/sender/recipient/subject
// projection.
func (ix *Index) Messages(ctx context.Context) ([]MessageView, error) {
	rows, err := ix.db.QueryContext(ctx,
		"SELECT message_id, email_id, store_id, date, mailbox, sender, recipient, subject FROM v_messages")
	if err != nil {
		return nil, fmt.Errorf("querying messages view: %w", err)
	}
	defer rows.Close()

	var out []MessageView
	for rows.Next() {
		var (
			v       MessageView
			emailID sql.NullString
			date    sql.NullString
			mailbox sql.NullString
		)
		if err := rows.Scan(&v.MessageID, &emailID, &v.StoreID, &date, &mailbox, &v.Sender, &v.Recipient, &v.Subject); err != nil {
			return nil, fmt.Errorf("scanning messages view: %w", err)
		}
		v.EmailID = emailID.String
		v.Date = date.String
		v.Mailbox = mailbox.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// DuplicateView is one row of the duplicate-detection projection: messages
// sharing (email_id, date) but stored under distinct store ids.
type DuplicateView struct {
	MessageID int64
	EmailID   string
	StoreID   string
	Date      string
}

// ExchangeDuplicates returns messages that share (email_id, date) with a
// message of a different store id, typically re-imports of the same mail.
func (ix *Index) ExchangeDuplicates(ctx context.Context) ([]DuplicateView, error) {
	rows, err := ix.db.QueryContext(ctx,
		"SELECT message_id, email_id, store_id, date FROM v_exchange_duplicates")
	if err != nil {
		return nil, fmt.Errorf("querying duplicates view: %w", err)
	}
	defer rows.Close()

	var out []DuplicateView
	for rows.Next() {
		var (
			v       DuplicateView
			emailID sql.NullString
			date    sql.NullString
		)
		if err := rows.Scan(&v.MessageID, &emailID, &v.StoreID, &date); err != nil {
			return nil, fmt.Errorf("scanning duplicates view: %w", err)
		}
		v.EmailID = emailID.String
		v.Date = date.String
		out = append(out, v)
	}
	return out, rows.Err()
}
