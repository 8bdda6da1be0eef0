package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// openDB opens (creating if necessary) the store's sqlite database in
// WAL mode, per spec §6.2: a write-ahead log, a primary table keyed by
// id, and an index by (context, strategy) for stats.
func openDB(dataDir string) (*sql.DB, error) {
	path := filepath.Join(dataDir, "bank.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindStorageUnavailable, "open database", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; readers share the same WAL-capable handle

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

const schemaVersion = 1

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			context TEXT NOT NULL,
			strategy TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			outcome_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_context_strategy ON patterns(context, strategy)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_created_at ON patterns(created_at)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return bankerr.Wrap(bankerr.KindStorageUnavailable, "migrate schema", err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return bankerr.Wrap(bankerr.KindStorageUnavailable, "read schema_meta", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion); err != nil {
			return bankerr.Wrap(bankerr.KindStorageUnavailable, "seed schema_meta", err)
		}
		return nil
	}

	var version int
	if err := db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&version); err != nil {
		return bankerr.Wrap(bankerr.KindStorageUnavailable, "read schema version", err)
	}
	if version != schemaVersion {
		return bankerr.New(bankerr.KindCorrupt, fmt.Sprintf("unknown schema version %d", version))
	}
	return nil
}

func encodeEmbedding(e []float32) []byte {
	buf := make([]byte, 4*len(e))
	for i, f := range e {
		b := math.Float32bits(f)
		buf[i*4] = byte(b >> 24)
		buf[i*4+1] = byte(b >> 16)
		buf[i*4+2] = byte(b >> 8)
		buf[i*4+3] = byte(b)
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		b := uint32(buf[i*4])<<24 | uint32(buf[i*4+1])<<16 | uint32(buf[i*4+2])<<8 | uint32(buf[i*4+3])
		out[i] = math.Float32frombits(b)
	}
	return out
}

func insertRow(ctx context.Context, db *sql.DB, p *types.Pattern) error {
	var outcomeJSON any
	if p.Outcome != nil {
		b, err := json.Marshal(p.Outcome)
		if err != nil {
			return bankerr.Wrap(bankerr.KindBadParameters, "marshal outcome", err)
		}
		outcomeJSON = string(b)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO patterns(id, task, context, strategy, embedding, created_at, outcome_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), p.Task, p.Context, p.Strategy, encodeEmbedding(p.Embedding), p.CreatedAt.UnixNano(), outcomeJSON)
	if err != nil {
		return bankerr.Wrap(bankerr.KindStorageUnavailable, "insert pattern row", err)
	}
	return nil
}

func attachOutcomeRow(ctx context.Context, db *sql.DB, id types.PatternID, o *types.Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return bankerr.Wrap(bankerr.KindBadParameters, "marshal outcome", err)
	}
	res, err := db.ExecContext(ctx, `UPDATE patterns SET outcome_json = ? WHERE id = ? AND outcome_json IS NULL`,
		string(b), string(id))
	if err != nil {
		return bankerr.Wrap(bankerr.KindStorageUnavailable, "attach outcome", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return bankerr.New(bankerr.KindAlreadySet, "outcome already set or pattern missing")
	}
	return nil
}

func scanRow(row *sql.Rows) (*types.Pattern, error) {
	var (
		id, task, ctxTag, strategy string
		embedding                  []byte
		createdAtNs                int64
		outcomeJSON                sql.NullString
	)
	if err := row.Scan(&id, &task, &ctxTag, &strategy, &embedding, &createdAtNs, &outcomeJSON); err != nil {
		return nil, bankerr.Wrap(bankerr.KindStorageUnavailable, "scan pattern row", err)
	}
	p := &types.Pattern{
		ID:        types.PatternID(id),
		Task:      task,
		Context:   ctxTag,
		Strategy:  strategy,
		Embedding: decodeEmbedding(embedding),
		CreatedAt: time.Unix(0, createdAtNs).UTC(),
	}
	if outcomeJSON.Valid {
		var o types.Outcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &o); err != nil {
			return nil, bankerr.Wrap(bankerr.KindCorrupt, "decode outcome json", err)
		}
		p.Outcome = &o
	}
	return p, nil
}

func loadAll(ctx context.Context, db *sql.DB) ([]*types.Pattern, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, task, context, strategy, embedding, created_at, outcome_json FROM patterns ORDER BY created_at ASC`)
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindStorageUnavailable, "load patterns", err)
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		p, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, bankerr.Wrap(bankerr.KindStorageUnavailable, "iterate patterns", err)
	}
	return out, nil
}
