package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graflow/engine/flow/types"
	"github.com/graflow/engine/internal/crypto"
)

// PostgresStore is a PostgreSQL implementation of ExecutionStore.
//
// Expected tables:
//
//	CREATE TABLE flows (
//	    id              TEXT PRIMARY KEY,
//	    app             TEXT NOT NULL,
//	    flow_type       TEXT NOT NULL,
//	    graph_version   TEXT NOT NULL,
//	    status          TEXT NOT NULL,
//	    state           JSONB,
//	    owner_id        TEXT NOT NULL DEFAULT '',
//	    error_kind      TEXT NOT NULL DEFAULT '',
//	    error_message   TEXT NOT NULL DEFAULT '',
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL,
//	    last_resumed_at TIMESTAMPTZ
//	)
//
//	CREATE TABLE checkpoints (
//	    id         TEXT PRIMARY KEY,
//	    flow_id    TEXT NOT NULL REFERENCES flows (id),
//	    thread_id  TEXT NOT NULL,
//	    seq        BIGINT NOT NULL,
//	    parent_id  TEXT NOT NULL DEFAULT '',
//	    payload    TEXT NOT NULL,
//	    written_at TIMESTAMPTZ NOT NULL,
//	    UNIQUE (flow_id, thread_id, seq)
//	)
//
// The checkpoint payload is one JSON document holding state and pending
// data; with an encryptor configured it is stored AES-GCM encrypted. All
// rows must share one key, so the key cannot change while rows exist.
type PostgresStore struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
}

// NewPostgresStore creates a new PostgreSQL execution store. A nil
// encryptor stores checkpoint payloads in plaintext.
func NewPostgresStore(pool *pgxpool.Pool, encryptor *crypto.Encryptor) *PostgresStore {
	return &PostgresStore{pool: pool, encryptor: encryptor}
}

const flowColumns = `id, app, flow_type, graph_version, status, state, owner_id,
	error_kind, error_message, created_at, updated_at, last_resumed_at`

func (s *PostgresStore) CreateFlow(ctx context.Context, flow *types.Flow) error {
	stateJSON, err := json.Marshal(flow.State)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flows (
			id, app, flow_type, graph_version, status, state, owner_id,
			error_kind, error_message, created_at, updated_at, last_resumed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		flow.ID,
		flow.App,
		flow.FlowType,
		flow.GraphVersion,
		flow.Status.String(),
		stateJSON,
		flow.Owner,
		flow.ErrorKind,
		flow.ErrorMessage,
		flow.CreatedAt,
		flow.UpdatedAt,
		nullableTime(flow.LastResumedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrFlowExists
		}
		return fmt.Errorf("failed to create flow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFlow(ctx context.Context, id string) (*types.Flow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrFlowNotFound
		}
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return flow, nil
}

func (s *PostgresStore) UpdateFlowStatus(ctx context.Context, id string, from []types.FlowStatus, to types.FlowStatus) (*types.Flow, error) {
	sql := `
		UPDATE flows
		SET status = $2,
		    updated_at = now(),
		    last_resumed_at = CASE WHEN $2 = 'running' THEN now() ELSE last_resumed_at END
		WHERE id = $1
	`
	args := []interface{}{id, to.String()}
	if from != nil {
		sql += ` AND status = ANY($3)`
		args = append(args, statusStrings(from))
	}
	sql += ` RETURNING ` + flowColumns

	flow, err := scanFlow(s.pool.QueryRow(ctx, sql, args...))
	if err == nil {
		return flow, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update flow status: %w", err)
	}

	// Zero rows: the flow is missing or the compare-and-set lost. Look
	// at the current status to tell the two apart.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM flows WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrFlowNotFound
		}
		return nil, fmt.Errorf("failed to read flow status: %w", err)
	}
	status, err := types.ParseFlowStatus(current)
	if err != nil {
		return nil, fmt.Errorf("failed to parse flow status: %w", err)
	}
	return nil, &StatusConflictError{Current: status}
}

func (s *PostgresStore) ListFlows(ctx context.Context, filter types.Filter) ([]*types.Flow, error) {
	where, args := buildFlowFilter(filter)

	sql := `SELECT ` + flowColumns + ` FROM flows ` + where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var flows []*types.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}
	return flows, nil
}

func (s *PostgresStore) MostRecentFlow(ctx context.Context, filter types.Filter) (*types.Flow, error) {
	where, args := buildFlowFilter(filter)

	sql := `SELECT ` + flowColumns + ` FROM flows ` + where + `
		ORDER BY last_resumed_at DESC NULLS LAST, created_at DESC
		LIMIT 1`

	flow, err := scanFlow(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrFlowNotFound
		}
		return nil, fmt.Errorf("failed to get most recent flow: %w", err)
	}
	return flow, nil
}

func (s *PostgresStore) FlowStats(ctx context.Context) (*types.Stats, error) {
	stats := &types.Stats{
		ByStatus: make(map[string]int64),
		ByType:   make(map[string]int64),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM flows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	typeRows, err := s.pool.Query(ctx, `SELECT app || '/' || flow_type, COUNT(*) FROM flows GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var flowType string
		var count int64
		if err := typeRows.Scan(&flowType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		stats.ByType[flowType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating type counts: %w", err)
	}

	return stats, nil
}

func (s *PostgresStore) AppendCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appendCheckpointTx(ctx, tx, cp); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, flowID, threadID string) (*types.Checkpoint, error) {
	if threadID == "" {
		threadID = types.DefaultThreadID
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, flow_id, thread_id, seq, parent_id, payload, written_at
		FROM checkpoints
		WHERE flow_id = $1 AND thread_id = $2
		ORDER BY seq DESC
		LIMIT 1
	`, flowID, threadID)

	cp, err := s.scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, flowID string) ([]*types.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, flow_id, thread_id, seq, parent_id, payload, written_at
		FROM checkpoints
		WHERE flow_id = $1
		ORDER BY written_at, seq
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var chain []*types.Checkpoint
	for rows.Next() {
		cp, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		chain = append(chain, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return chain, nil
}

func (s *PostgresStore) CommitStep(ctx context.Context, flowID string, cp *types.Checkpoint, to types.FlowStatus, state map[string]any, stepErr *types.StepError) (*types.Flow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM flows WHERE id = $1 FOR UPDATE`, flowID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrFlowNotFound
		}
		return nil, fmt.Errorf("failed to lock flow: %w", err)
	}

	if cp != nil {
		if err := s.appendCheckpointTx(ctx, tx, cp); err != nil {
			return nil, err
		}
	}

	// A flow cancelled underneath the runner keeps its status; only the
	// checkpoint above lands.
	if current == types.FlowStatusRunning.String() {
		sets := []string{"status = $2", "updated_at = now()"}
		args := []interface{}{flowID, to.String()}
		argIdx := 3

		if state != nil {
			stateJSON, err := json.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("failed to encode state: %w", err)
			}
			sets = append(sets, fmt.Sprintf("state = $%d", argIdx))
			args = append(args, stateJSON)
			argIdx++
		}
		if stepErr != nil {
			sets = append(sets, fmt.Sprintf("error_kind = $%d", argIdx), fmt.Sprintf("error_message = $%d", argIdx+1))
			args = append(args, stepErr.Kind, stepErr.Message)
		}

		sql := `UPDATE flows SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return nil, fmt.Errorf("failed to update flow: %w", err)
		}
	}

	flow, err := scanFlow(tx.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, flowID))
	if err != nil {
		return nil, fmt.Errorf("failed to read flow back: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return flow, nil
}

func (s *PostgresStore) appendCheckpointTx(ctx context.Context, tx pgx.Tx, cp *types.Checkpoint) error {
	if cp.ThreadID == "" {
		cp.ThreadID = types.DefaultThreadID
	}

	var headID string
	var headSeq int64
	err := tx.QueryRow(ctx, `
		SELECT id, seq FROM checkpoints
		WHERE flow_id = $1 AND thread_id = $2
		ORDER BY seq DESC
		LIMIT 1
	`, cp.FlowID, cp.ThreadID).Scan(&headID, &headSeq)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if cp.ParentID != "" {
			return types.ErrCheckpointConflict
		}
		cp.Seq = 1
	case err != nil:
		return fmt.Errorf("failed to read thread head: %w", err)
	default:
		if cp.ParentID != headID {
			return types.ErrCheckpointConflict
		}
		cp.Seq = headSeq + 1
	}

	if cp.WrittenAt.IsZero() {
		cp.WrittenAt = time.Now()
	}

	payload, err := s.encodePayload(cp)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoints (id, flow_id, thread_id, seq, parent_id, payload, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cp.ID, cp.FlowID, cp.ThreadID, cp.Seq, cp.ParentID, payload, cp.WrittenAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// A concurrent writer claimed this seq first.
			return types.ErrCheckpointConflict
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

type checkpointPayload struct {
	State   map[string]any `json:"state"`
	Pending map[string]any `json:"pending,omitempty"`
}

func (s *PostgresStore) encodePayload(cp *types.Checkpoint) (string, error) {
	data, err := json.Marshal(checkpointPayload{State: cp.State, Pending: cp.Pending})
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint payload: %w", err)
	}
	if s.encryptor == nil {
		return string(data), nil
	}
	encrypted, err := s.encryptor.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt checkpoint payload: %w", err)
	}
	return encrypted, nil
}

func (s *PostgresStore) decodePayload(raw string, cp *types.Checkpoint) error {
	data := []byte(raw)
	if s.encryptor != nil {
		decrypted, err := s.encryptor.Decrypt(raw)
		if err != nil {
			return fmt.Errorf("failed to decrypt checkpoint payload: %w", err)
		}
		data = decrypted
	}

	var payload checkpointPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to decode checkpoint payload: %w", err)
	}
	cp.State = payload.State
	cp.Pending = payload.Pending
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanCheckpoint(row rowScanner) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	var payload string
	if err := row.Scan(&cp.ID, &cp.FlowID, &cp.ThreadID, &cp.Seq, &cp.ParentID, &payload, &cp.WrittenAt); err != nil {
		return nil, err
	}
	if err := s.decodePayload(payload, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func scanFlow(row rowScanner) (*types.Flow, error) {
	var flow types.Flow
	var status string
	var stateJSON []byte
	var lastResumedAt *time.Time

	if err := row.Scan(
		&flow.ID,
		&flow.App,
		&flow.FlowType,
		&flow.GraphVersion,
		&status,
		&stateJSON,
		&flow.Owner,
		&flow.ErrorKind,
		&flow.ErrorMessage,
		&flow.CreatedAt,
		&flow.UpdatedAt,
		&lastResumedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := types.ParseFlowStatus(status)
	if err != nil {
		return nil, err
	}
	flow.Status = parsed
	if lastResumedAt != nil {
		flow.LastResumedAt = *lastResumedAt
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &flow.State); err != nil {
			return nil, fmt.Errorf("failed to decode state: %w", err)
		}
	}
	return &flow, nil
}

// buildFlowFilter renders the filter into a WHERE clause. The status set
// is always present; see effectiveStatuses for the default.
func buildFlowFilter(filter types.Filter) (string, []interface{}) {
	clauses := []string{"status = ANY($1)"}
	args := []interface{}{statusStrings(effectiveStatuses(filter))}
	argIdx := 2

	addEq := func(column, value string) {
		if value == "" {
			return
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}
	addEq("app", filter.App)
	addEq("flow_type", filter.FlowType)
	addEq("owner_id", filter.Owner)

	paths := make([]string, 0, len(filter.StateEquals))
	for path := range filter.StateEquals {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		clauses = append(clauses, fmt.Sprintf("state #>> $%d::text[] = $%d", argIdx, argIdx+1))
		args = append(args, strings.Split(path, "."), filter.StateEquals[path])
		argIdx += 2
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

func statusStrings(statuses []types.FlowStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = status.String()
	}
	return out
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
