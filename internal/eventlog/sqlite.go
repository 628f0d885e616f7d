package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// SQLiteLog is the persistent Append-Only Log backend: a table keyed by
// (conversation_key, sequence), opened in WAL mode with a bounded
// connection pool, wrapping write operations in retryOnContention to ride
// out transient SQLITE_BUSY/LOCKED errors under concurrent writers.
type SQLiteLog struct {
	db *sql.DB

	// seqMu guards per-conversation sequence assignment so Append is
	// atomic even though the underlying SQL statement is a
	// read-then-insert. A single SQLiteLog is assumed to be the sole
	// local writer for the conversations it serves (the Router only ever
	// publishes locally through one Log instance per node).
	seqMu sync.Mutex

	subs *subscriberSet
}

// NewSQLiteLog opens (or creates) the database at path and migrates the
// schema.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, vcerr.Wrap(vcerr.StorageUnavailable, err, "open sqlite log")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	l := &SQLiteLog{db: db, subs: newSubscriberSet()}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, vcerr.Wrap(vcerr.IntegrityViolation, err, "migrate sqlite log")
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		conv_key     TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		msg_rand     TEXT NOT NULL,
		msg_seq      INTEGER NOT NULL,
		sender       TEXT NOT NULL,
		addressed    TEXT NOT NULL,
		kind         TEXT NOT NULL,
		content_text TEXT,
		content_tool TEXT,
		ts_unix_nano INTEGER NOT NULL,
		PRIMARY KEY (conv_key, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_conv ON events(conv_key, seq);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLog) Close() error { return l.db.Close() }

type storedEvent struct {
	ConvKey     string
	Seq         uint64
	MsgRand     string
	MsgSeq      uint64
	Sender      string
	Addressed   string // JSON []string
	Kind        string
	ContentText sql.NullString
	ContentTool sql.NullString
	TsUnixNano  int64
}

func encodeEvent(key ids.ConversationKey, ev Event, seq uint64) (storedEvent, error) {
	addr := make([]string, len(ev.Addressed))
	for i, a := range ev.Addressed {
		addr[i] = string(a)
	}
	addrJSON, err := json.Marshal(addr)
	if err != nil {
		return storedEvent{}, err
	}

	se := storedEvent{
		ConvKey:    key.String(),
		Seq:        seq,
		MsgRand:    ev.MessageId.Rand,
		MsgSeq:     ev.MessageId.Seq,
		Sender:     string(ev.Sender),
		Addressed:  string(addrJSON),
		Kind:       string(ev.Kind),
		TsUnixNano: ev.Timestamp.UnixNano(),
	}
	if ev.Content.Text != "" {
		se.ContentText = sql.NullString{String: ev.Content.Text, Valid: true}
	}
	if ev.Content.Structured != nil {
		b, err := json.Marshal(ev.Content.Structured)
		if err != nil {
			return storedEvent{}, err
		}
		se.ContentTool = sql.NullString{String: string(b), Valid: true}
	}
	return se, nil
}

func decodeEvent(key ids.ConversationKey, se storedEvent) (Event, error) {
	var addr []string
	if err := json.Unmarshal([]byte(se.Addressed), &addr); err != nil {
		return Event{}, err
	}
	addressed := make([]ids.AgentId, len(addr))
	for i, a := range addr {
		addressed[i] = ids.AgentId(a)
	}

	ev := Event{
		Conversation: key,
		MessageId:    ids.MessageId{Rand: se.MsgRand, Seq: se.MsgSeq},
		Sender:       ids.AgentId(se.Sender),
		Addressed:    addressed,
		Kind:         Kind(se.Kind),
		Timestamp:    time.Unix(0, se.TsUnixNano),
		Sequence:     se.Seq,
	}
	if se.ContentText.Valid {
		ev.Content.Text = se.ContentText.String
	}
	if se.ContentTool.Valid {
		var tp ToolPayload
		if err := json.Unmarshal([]byte(se.ContentTool.String), &tp); err != nil {
			return Event{}, err
		}
		ev.Content.Structured = &tp
	}
	return ev, nil
}

func (l *SQLiteLog) Append(ctx context.Context, key ids.ConversationKey, ev Event) (uint64, error) {
	if err := requireNonEmptyContent(key); err != nil {
		return 0, err
	}

	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	var seq uint64
	err := retryOnContention(func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE conv_key = ?`, key.String())
		if err := row.Scan(&seq); err != nil {
			return err
		}

		se, err := encodeEvent(key, ev, seq)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (conv_key, seq, msg_rand, msg_seq, sender, addressed, kind, content_text, content_tool, ts_unix_nano)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			se.ConvKey, se.Seq, se.MsgRand, se.MsgSeq, se.Sender, se.Addressed, se.Kind, se.ContentText, se.ContentTool, se.TsUnixNano)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, vcerr.Wrap(vcerr.StorageUnavailable, err, "append event")
	}

	l.subs.wake(key)
	return seq, nil
}

func (l *SQLiteLog) Range(ctx context.Context, key ids.ConversationKey, from, to uint64) ([]Event, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}

	var rows *sql.Rows
	var err error
	if to == 0 {
		rows, err = l.db.QueryContext(ctx, `SELECT conv_key, seq, msg_rand, msg_seq, sender, addressed, kind, content_text, content_tool, ts_unix_nano
			FROM events WHERE conv_key = ? AND seq >= ? ORDER BY seq ASC`, key.String(), from)
	} else {
		rows, err = l.db.QueryContext(ctx, `SELECT conv_key, seq, msg_rand, msg_seq, sender, addressed, kind, content_text, content_tool, ts_unix_nano
			FROM events WHERE conv_key = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`, key.String(), from, to)
	}
	if err != nil {
		return nil, vcerr.Wrap(vcerr.StorageUnavailable, err, "range query")
	}
	defer rows.Close()

	return scanEvents(key, rows)
}

func (l *SQLiteLog) Tail(ctx context.Context, key ids.ConversationKey, n int) ([]Event, error) {
	var rows *sql.Rows
	var err error
	if n <= 0 {
		rows, err = l.db.QueryContext(ctx, `SELECT conv_key, seq, msg_rand, msg_seq, sender, addressed, kind, content_text, content_tool, ts_unix_nano
			FROM events WHERE conv_key = ? ORDER BY seq ASC`, key.String())
	} else {
		rows, err = l.db.QueryContext(ctx, `SELECT conv_key, seq, msg_rand, msg_seq, sender, addressed, kind, content_text, content_tool, ts_unix_nano
			FROM (SELECT * FROM events WHERE conv_key = ? ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, key.String(), n)
	}
	if err != nil {
		return nil, vcerr.Wrap(vcerr.StorageUnavailable, err, "tail query")
	}
	defer rows.Close()

	return scanEvents(key, rows)
}

func scanEvents(key ids.ConversationKey, rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var se storedEvent
		if err := rows.Scan(&se.ConvKey, &se.Seq, &se.MsgRand, &se.MsgSeq, &se.Sender, &se.Addressed, &se.Kind, &se.ContentText, &se.ContentTool, &se.TsUnixNano); err != nil {
			return nil, vcerr.Wrap(vcerr.IntegrityViolation, err, "scan event row")
		}
		ev, err := decodeEvent(key, se)
		if err != nil {
			return nil, vcerr.Wrap(vcerr.IntegrityViolation, err, "decode event row")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, vcerr.Wrap(vcerr.StorageUnavailable, err, "iterate event rows")
	}
	return out, nil
}

func (l *SQLiteLog) Subscribe(ctx context.Context, key ids.ConversationKey) <-chan struct{} {
	return l.subs.subscribe(ctx, key)
}

func (l *SQLiteLog) Fingerprint(ctx context.Context, key ids.ConversationKey, from, to uint64) (string, error) {
	evs, err := l.Range(ctx, key, from, to)
	if err != nil {
		return "", err
	}
	return Fingerprint(evs), nil
}

var _ Log = (*SQLiteLog)(nil)
