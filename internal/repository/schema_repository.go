package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/platform/database"
	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// SchemaRepository handles CRUD for approval_schemas. Steps are stored as a
// JSONB array on the schema row.
type SchemaRepository struct {
	db *database.DB
}

// NewSchemaRepository creates a new SchemaRepository.
func NewSchemaRepository(db *database.DB) *SchemaRepository {
	return &SchemaRepository{db: db}
}

// Create inserts a new approval schema.
func (r *SchemaRepository) Create(ctx context.Context, schema *ApprovalSchema) error {
	stepsJSON, err := json.Marshal(schema.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal schema steps")
	}

	query := `
		INSERT INTO approval_schemas
		    (id, division_id, name, steps, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		schema.ID,
		schema.DivisionID,
		schema.Name,
		stepsJSON,
		schema.IsActive,
	).Scan(&schema.CreatedAt, &schema.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict, "division %q already has an approval schema", schema.DivisionID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval schema")
	}
	return nil
}

// Update persists changes to an existing schema. In-flight requests are
// unaffected: their step plans are snapshots.
func (r *SchemaRepository) Update(ctx context.Context, schema *ApprovalSchema) error {
	stepsJSON, err := json.Marshal(schema.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal schema steps")
	}

	query := `
		UPDATE approval_schemas
		SET name       = $2,
		    steps      = $3,
		    is_active  = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query, schema.ID, schema.Name, stepsJSON, schema.IsActive).
		Scan(&schema.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_schema", schema.ID)
	}
	return err
}

// GetByID retrieves a schema by primary key.
func (r *SchemaRepository) GetByID(ctx context.Context, id string) (*ApprovalSchema, error) {
	query := `
		SELECT id, division_id, name, steps, is_active, created_at, updated_at
		FROM approval_schemas
		WHERE id = $1
	`

	schema, err := r.scanSchema(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_schema", id)
	}
	return schema, err
}

// GetByDivision returns the active schema for a work division.
// Returns nil when the division has none configured.
func (r *SchemaRepository) GetByDivision(ctx context.Context, divisionID string) (*ApprovalSchema, error) {
	query := `
		SELECT id, division_id, name, steps, is_active, created_at, updated_at
		FROM approval_schemas
		WHERE division_id = $1
		  AND is_active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`

	schema, err := r.scanSchema(r.db.QueryRow(ctx, query, divisionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return schema, err
}

// List returns all schemas ordered by division.
func (r *SchemaRepository) List(ctx context.Context) ([]*ApprovalSchema, error) {
	query := `
		SELECT id, division_id, name, steps, is_active, created_at, updated_at
		FROM approval_schemas
		ORDER BY division_id ASC, name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval schemas")
	}
	defer rows.Close()

	var schemas []*ApprovalSchema
	for rows.Next() {
		schema, err := r.scanSchema(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval schema")
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type schemaScanner interface {
	Scan(dest ...any) error
}

func (r *SchemaRepository) scanSchema(row schemaScanner) (*ApprovalSchema, error) {
	schema := &ApprovalSchema{}
	var stepsJSON []byte

	err := row.Scan(
		&schema.ID,
		&schema.DivisionID,
		&schema.Name,
		&stepsJSON,
		&schema.IsActive,
		&schema.CreatedAt,
		&schema.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &schema.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal schema steps")
	}
	return schema, nil
}
