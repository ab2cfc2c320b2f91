package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/platform/database"
	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// CertificateRepository manages per-user signing certificates. A partial
// unique index on (user_id) WHERE revoked_at IS NULL AND is_active backs the
// one-live-certificate invariant at the storage layer.
type CertificateRepository struct {
	db *database.DB
}

// NewCertificateRepository creates a new CertificateRepository.
func NewCertificateRepository(db *database.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// Create inserts a newly issued certificate.
func (r *CertificateRepository) Create(ctx context.Context, cert *Certificate) error {
	query := `
		INSERT INTO user_certificates
		    (id, user_id, public_key, private_key, issued_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query,
		cert.ID,
		cert.UserID,
		cert.PublicKey,
		cert.PrivateKey,
		cert.IssuedAt,
		cert.ExpiresAt,
		cert.IsActive,
	).Scan(&returnedID)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict, "user %q already holds an active certificate", cert.UserID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create certificate")
	}
	return nil
}

// GetByID retrieves a certificate by primary key.
func (r *CertificateRepository) GetByID(ctx context.Context, id string) (*Certificate, error) {
	query := selectCertificate + ` WHERE id = $1`

	cert, err := r.scanCertificate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("certificate", id)
	}
	return cert, err
}

// GetActiveByUser returns the user's live certificate, or nil when none
// exists. Expiry is not filtered here: eligibility is computed by the caller
// at decision time.
func (r *CertificateRepository) GetActiveByUser(ctx context.Context, userID string) (*Certificate, error) {
	query := selectCertificate + `
		WHERE user_id = $1
		  AND is_active = TRUE
		  AND revoked_at IS NULL
		ORDER BY issued_at DESC
		LIMIT 1
	`

	cert, err := r.scanCertificate(r.db.QueryRow(ctx, query, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return cert, err
}

// DeactivateExpired retires naturally expired certificates for a user so a
// fresh one can be issued. Expiry itself is never a stored transition — this
// is housekeeping performed only at issuance, keeping the partial unique
// index accurate.
func (r *CertificateRepository) DeactivateExpired(ctx context.Context, userID string, asOf time.Time) error {
	query := `
		UPDATE user_certificates
		SET is_active = FALSE
		WHERE user_id = $1
		  AND is_active = TRUE
		  AND revoked_at IS NULL
		  AND expires_at <= $2
	`

	if _, err := r.db.Exec(ctx, query, userID, asOf); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate expired certificates")
	}
	return nil
}

// Revoke marks a certificate revoked. Terminal: the conditional update only
// matches an unrevoked row, so a second revocation attempt fails instead of
// rewriting revocation metadata.
func (r *CertificateRepository) Revoke(ctx context.Context, id, reason string) error {
	query := `
		UPDATE user_certificates
		SET is_active         = FALSE,
		    revoked_at        = NOW(),
		    revocation_reason = $2
		WHERE id = $1
		  AND revoked_at IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		// Distinguish "already revoked" from "no such certificate".
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return errors.Newf(errors.ErrCodeConflict, "certificate %q is already revoked", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to revoke certificate")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectCertificate = `
	SELECT id, user_id, public_key, private_key, issued_at, expires_at,
	       is_active, revoked_at, revocation_reason
	FROM user_certificates`

type certificateScanner interface {
	Scan(dest ...any) error
}

func (r *CertificateRepository) scanCertificate(row certificateScanner) (*Certificate, error) {
	cert := &Certificate{}
	err := row.Scan(
		&cert.ID,
		&cert.UserID,
		&cert.PublicKey,
		&cert.PrivateKey,
		&cert.IssuedAt,
		&cert.ExpiresAt,
		&cert.IsActive,
		&cert.RevokedAt,
		&cert.RevocationReason,
	)
	if err != nil {
		return nil, err
	}
	return cert, nil
}
