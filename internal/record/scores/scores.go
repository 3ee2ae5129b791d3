// Package scores is the external collaborator record.Descriptor.Registry
// named by spec §9's "concrete types (e.g. a score per ruleset) live in
// external collaborators" and built out per SPEC_FULL §12: one concrete
// Score record type shared by four ruleset descriptors (osu, taiko,
// fruits, mania), each scanning its own per-ruleset scores table.
package scores

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/ppy/elastic-indexer/internal/record"
)

// Score is the concrete Record implementation for every ruleset. A single
// shape with a ruleset discriminator replaces the source's
// HighScore/HighScoreTaiko/HighScoreMania/HighScoreFruits inheritance
// (spec §9).
type Score struct {
	ID_       int64    `json:"id"`
	Ruleset   string   `json:"ruleset"`
	UserID    int64    `json:"user_id"`
	BeatmapID int64    `json:"beatmap_id"`
	Score     int64    `json:"total_score"`
	MaxCombo  int32    `json:"max_combo"`
	Accuracy  float64  `json:"accuracy"`
	Mods      []string `json:"mods,omitempty"`
	Rank      string   `json:"rank,omitempty"`
	Preserve  bool     `json:"-"`
	Deleted   bool     `json:"-"`
}

var _ record.Record = Score{}

// CursorValue implements record.Record.
func (s Score) CursorValue() int64 { return s.ID_ }

// ID implements record.Record.
func (s Score) ID() string { return strconv.FormatInt(s.ID_, 10) }

// ShouldIndex implements record.Record. A score is indexed only while it
// has not been soft-deleted and is marked to preserve (osu!'s notion of a
// score that counts toward a user's best-play set).
func (s Score) ShouldIndex() bool {
	return !s.Deleted && s.Preserve
}

// table names the per-ruleset scores table and work-queue table backing a
// descriptor.
type table struct {
	scoresTable string
	queueTable  string
}

var rulesetTables = map[string]table{
	"osu":    {scoresTable: "scores_osu", queueTable: "scores_osu_queue"},
	"taiko":  {scoresTable: "scores_taiko", queueTable: "scores_taiko_queue"},
	"fruits": {scoresTable: "scores_fruits", queueTable: "scores_fruits_queue"},
	"mania":  {scoresTable: "scores_mania", queueTable: "scores_mania_queue"},
}

const selectColumns = "id, user_id, beatmap_id, total_score, max_combo, accuracy, mods, rank, preserve, deleted_at IS NOT NULL"

// NewRegistry builds the record.Registry of all four ruleset descriptors
// against db. The live-mode SourceReader's work-queue access goes through
// the separate record.QueueStore built by NewQueueStore, keyed by
// Descriptor.QueueMode.
func NewRegistry(db *sql.DB) record.Registry {
	reg := record.Registry{}
	for ruleset, t := range rulesetTables {
		ruleset, t := ruleset, t
		reg[ruleset] = record.Descriptor{
			Name:          ruleset,
			CursorColumn:  "id",
			SelectClause:  selectColumns,
			MaxExpression: "MAX(id)",
			QueueMode:     ruleset,
			Max: func(ctx context.Context) (int64, error) {
				return queryMax(ctx, db, t.scoresTable)
			},
			ScanBetween: func(ctx context.Context, after, upTo int64, limit int) ([]record.Record, error) {
				return scanBetween(ctx, db, t.scoresTable, ruleset, after, upTo, limit)
			},
			FetchByIDs: func(ctx context.Context, ids []int64) ([]record.Record, error) {
				return fetchByIDs(ctx, db, t.scoresTable, ruleset, ids)
			},
		}
	}
	return reg
}

// QueueTableFor returns the work-queue table name for a ruleset, used by
// cmd/indexer's `pump` subcommand to insert pending rows directly.
func QueueTableFor(ruleset string) (string, bool) {
	t, ok := rulesetTables[ruleset]
	return t.queueTable, ok
}

// Work-queue status column values (spec §6: "a 'work queue' table is read
// with columns (score_id, status, mode)").
const (
	queueStatusPending   = 1
	queueStatusCompleted = 2
)

// sqlQueueStore is the SQL-backed record.QueueStore for one ruleset's
// work-queue table.
type sqlQueueStore struct {
	db    *sql.DB
	table string
}

var _ record.QueueStore = (*sqlQueueStore)(nil)

// NewQueueStore builds the record.QueueStore for ruleset's work-queue
// table, used by internal/source's live-mode poller and internal/indexer's
// reset_queue_to bookkeeping.
func NewQueueStore(db *sql.DB, ruleset string) (record.QueueStore, bool) {
	t, ok := rulesetTables[ruleset]
	if !ok {
		return nil, false
	}
	return &sqlQueueStore{db: db, table: t.queueTable}, true
}

func (q *sqlQueueStore) Poll(ctx context.Context, mode string, limit int) ([]int64, error) {
	query := fmt.Sprintf(
		"SELECT score_id FROM %s WHERE status = ? AND mode = ? ORDER BY score_id ASC LIMIT ?",
		q.table,
	)
	rows, err := q.db.QueryContext(ctx, query, queueStatusPending, mode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *sqlQueueStore) Ack(ctx context.Context, mode string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, queueStatusCompleted, mode)
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(
		"UPDATE %s SET status = ? WHERE mode = ? AND score_id IN (%s)",
		q.table, strings.Join(placeholders, ","),
	)
	_, err := q.db.ExecContext(ctx, query, args...)
	return err
}

func (q *sqlQueueStore) MaxCompleted(ctx context.Context, mode string) (int64, error) {
	var max sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(score_id) FROM %s WHERE status = ? AND mode = ?", q.table)
	if err := q.db.QueryRowContext(ctx, query, queueStatusCompleted, mode).Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64, nil
}

func (q *sqlQueueStore) Rewind(ctx context.Context, mode string, to int64) error {
	query := fmt.Sprintf("UPDATE %s SET status = ? WHERE mode = ? AND score_id <= ?", q.table)
	_, err := q.db.ExecContext(ctx, query, queueStatusPending, mode, to)
	return err
}

func queryMax(ctx context.Context, db *sql.DB, scoresTable string) (int64, error) {
	var max sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(id) FROM %s", scoresTable)
	if err := db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64, nil
}

func scanBetween(ctx context.Context, db *sql.DB, scoresTable, ruleset string, after, upTo int64, limit int) ([]record.Record, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE id > ? AND id <= ? ORDER BY id ASC LIMIT ?",
		selectColumns, scoresTable,
	)
	rows, err := db.QueryContext(ctx, query, after, upTo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, ruleset)
}

func fetchByIDs(ctx context.Context, db *sql.DB, scoresTable, ruleset string, ids []int64) ([]record.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE id IN (%s)",
		selectColumns, scoresTable, strings.Join(placeholders, ","),
	)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, ruleset)
}

func scanRows(rows *sql.Rows, ruleset string) ([]record.Record, error) {
	var out []record.Record
	for rows.Next() {
		var (
			s       Score
			modsCSV string
			rank    sql.NullString
			deleted bool
		)
		if err := rows.Scan(&s.ID_, &s.UserID, &s.BeatmapID, &s.Score, &s.MaxCombo, &s.Accuracy, &modsCSV, &rank, &s.Preserve, &deleted); err != nil {
			return nil, err
		}
		s.Ruleset = ruleset
		s.Deleted = deleted
		s.Rank = rank.String
		if modsCSV != "" {
			s.Mods = strings.Split(modsCSV, ",")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
