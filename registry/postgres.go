package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graflow/engine/flow/types"
)

// PostgresDescriptorStore is a PostgreSQL implementation of
// DescriptorStore.
//
// Expected table:
//
//	CREATE TABLE flow_types (
//	    app                   TEXT NOT NULL,
//	    flow_type             TEXT NOT NULL,
//	    version               TEXT NOT NULL,
//	    is_latest             BOOLEAN NOT NULL,
//	    is_active             BOOLEAN NOT NULL,
//	    display_name          TEXT NOT NULL DEFAULT '',
//	    description           TEXT NOT NULL DEFAULT '',
//	    builder_ref           TEXT NOT NULL,
//	    state_schema_ref      TEXT NOT NULL DEFAULT '',
//	    crud_permission_ref   TEXT NOT NULL DEFAULT '',
//	    resume_permission_ref TEXT NOT NULL DEFAULT '',
//	    crud_throttle_ref     TEXT NOT NULL DEFAULT '',
//	    resume_throttle_ref   TEXT NOT NULL DEFAULT '',
//	    created_at            TIMESTAMPTZ NOT NULL,
//	    updated_at            TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (app, flow_type, version)
//	)
type PostgresDescriptorStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDescriptorStore creates a new PostgreSQL descriptor store.
func NewPostgresDescriptorStore(pool *pgxpool.Pool) *PostgresDescriptorStore {
	return &PostgresDescriptorStore{pool: pool}
}

const descriptorColumns = `app, flow_type, version, is_latest, is_active,
	display_name, description, builder_ref, state_schema_ref,
	crud_permission_ref, resume_permission_ref, crud_throttle_ref,
	resume_throttle_ref, created_at, updated_at`

func (s *PostgresDescriptorStore) Put(ctx context.Context, desc *FlowTypeDescriptor) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The single-latest invariant holds because the demote and the
	// upsert commit together.
	if desc.IsLatest {
		_, err = tx.Exec(ctx, `
			UPDATE flow_types
			SET is_latest = false, updated_at = now()
			WHERE app = $1 AND flow_type = $2 AND version <> $3 AND is_latest
		`, desc.App, desc.FlowType, desc.Version)
		if err != nil {
			return fmt.Errorf("failed to demote previous latest: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO flow_types (
			app, flow_type, version, is_latest, is_active,
			display_name, description, builder_ref, state_schema_ref,
			crud_permission_ref, resume_permission_ref, crud_throttle_ref,
			resume_throttle_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (app, flow_type, version)
		DO UPDATE SET
			is_latest = EXCLUDED.is_latest,
			is_active = EXCLUDED.is_active,
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			builder_ref = EXCLUDED.builder_ref,
			state_schema_ref = EXCLUDED.state_schema_ref,
			crud_permission_ref = EXCLUDED.crud_permission_ref,
			resume_permission_ref = EXCLUDED.resume_permission_ref,
			crud_throttle_ref = EXCLUDED.crud_throttle_ref,
			resume_throttle_ref = EXCLUDED.resume_throttle_ref,
			updated_at = EXCLUDED.updated_at
	`,
		desc.App,
		desc.FlowType,
		desc.Version,
		desc.IsLatest,
		desc.IsActive,
		desc.DisplayName,
		desc.Description,
		desc.BuilderRef,
		desc.StateSchemaRef,
		desc.CrudPermissionRef,
		desc.ResumePermissionRef,
		desc.CrudThrottleRef,
		desc.ResumeThrottleRef,
		desc.CreatedAt,
		desc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert descriptor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresDescriptorStore) Find(ctx context.Context, app, flowType, version string) (*FlowTypeDescriptor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+descriptorColumns+`
		FROM flow_types
		WHERE app = $1 AND flow_type = $2 AND version = $3
	`, app, flowType, version)

	desc, err := scanDescriptor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrUnknownFlowType
		}
		return nil, fmt.Errorf("failed to find descriptor: %w", err)
	}
	return desc, nil
}

func (s *PostgresDescriptorStore) FindLatest(ctx context.Context, app, flowType string) (*FlowTypeDescriptor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+descriptorColumns+`
		FROM flow_types
		WHERE app = $1 AND flow_type = $2 AND is_latest AND is_active
	`, app, flowType)

	desc, err := scanDescriptor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrUnknownFlowType
		}
		return nil, fmt.Errorf("failed to find latest descriptor: %w", err)
	}
	return desc, nil
}

func (s *PostgresDescriptorStore) List(ctx context.Context, app string) ([]*FlowTypeDescriptor, error) {
	sql := `SELECT ` + descriptorColumns + ` FROM flow_types`
	args := []interface{}{}
	if app != "" {
		sql += ` WHERE app = $1`
		args = append(args, app)
	}
	sql += ` ORDER BY app, flow_type, version`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	defer rows.Close()

	var out []*FlowTypeDescriptor
	for rows.Next() {
		desc, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan descriptor: %w", err)
		}
		out = append(out, desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating descriptors: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (*FlowTypeDescriptor, error) {
	var desc FlowTypeDescriptor
	err := row.Scan(
		&desc.App,
		&desc.FlowType,
		&desc.Version,
		&desc.IsLatest,
		&desc.IsActive,
		&desc.DisplayName,
		&desc.Description,
		&desc.BuilderRef,
		&desc.StateSchemaRef,
		&desc.CrudPermissionRef,
		&desc.ResumePermissionRef,
		&desc.CrudThrottleRef,
		&desc.ResumeThrottleRef,
		&desc.CreatedAt,
		&desc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &desc, nil
}
