package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// CertificateService issues, revokes and validates per-user signing
// certificates, and produces the Ed25519 signatures that tie each approval
// decision to a verifiable signer identity.
type CertificateService struct {
	store    CertificateStore
	audit    AuditStore
	validity time.Duration
	log      *logger.Logger
}

// NewCertificateService creates a new CertificateService. validity is the
// fixed window from issuance to natural expiry.
func NewCertificateService(store CertificateStore, audit AuditStore, validity time.Duration, log *logger.Logger) *CertificateService {
	return &CertificateService{
		store:    store,
		audit:    audit,
		validity: validity,
		log:      log,
	}
}

// Issue creates a new certificate for a user. A user holds at most one live
// certificate: issuance fails while an active, unrevoked, unexpired one
// exists. Naturally expired certificates are retired here so reissue works
// without a separate administrative step.
func (s *CertificateService) Issue(ctx context.Context, userID, actorID string) (*repository.Certificate, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "user is required")
	}

	now := time.Now().UTC()

	existing, err := s.store.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.EligibleAt(now) {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"user %q already holds a valid certificate (%s)", userID, existing.ID)
	}
	if existing != nil {
		if err := s.store.DeactivateExpired(ctx, userID, now); err != nil {
			return nil, err
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate signing keypair")
	}

	cert := &repository.Certificate{
		ID:         uuid.NewString(),
		UserID:     userID,
		PublicKey:  pub,
		PrivateKey: priv,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.validity),
		IsActive:   true,
	}

	if err := s.store.Create(ctx, cert); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: "certificate",
		EntityID:   cert.ID,
		Action:     "certificate_issued",
		ActorID:    actorID,
		Detail:     map[string]interface{}{"user_id": userID, "expires_at": cert.ExpiresAt},
	})

	s.log.Info().
		Str("certificate_id", cert.ID).
		Str("user_id", userID).
		Time("expires_at", cert.ExpiresAt).
		Msg("Certificate issued")
	return cert, nil
}

// Revoke terminates a certificate. Terminal: a second revocation fails.
// Decisions already signed with the certificate remain valid evidence; only
// future decision attempts are invalidated, which happens live inside the
// decision eligibility check.
func (s *CertificateService) Revoke(ctx context.Context, certID, reason, actorID string) error {
	if reason == "" {
		return errors.InvalidInput("reason", "revocation reason is required")
	}
	if err := s.store.Revoke(ctx, certID, reason); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: "certificate",
		EntityID:   certID,
		Action:     "certificate_revoked",
		ActorID:    actorID,
		Detail:     map[string]interface{}{"reason": reason},
	})

	s.log.Info().Str("certificate_id", certID).Msg("Certificate revoked")
	return nil
}

// IsEligible reports whether the certificate may sign at the given instant.
// Pure query, never mutates state. This is the exact gate the decision path
// uses inline.
func (s *CertificateService) IsEligible(ctx context.Context, certID string, asOf time.Time) (bool, error) {
	cert, err := s.store.GetByID(ctx, certID)
	if err != nil {
		return false, err
	}
	return cert.EligibleAt(asOf), nil
}

// SignerCertificate returns the user's certificate iff it is eligible to
// sign at asOf. Read fresh on every call: a revocation racing an in-flight
// decision must win.
func (s *CertificateService) SignerCertificate(ctx context.Context, userID string, asOf time.Time) (*repository.Certificate, error) {
	cert, err := s.store.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cert == nil || !cert.EligibleAt(asOf) {
		return nil, errors.Newf(errors.ErrCodeUnauthorizedSigner,
			"user %q has no valid signing certificate", userID)
	}
	return cert, nil
}

// DecisionPayload is the canonical content signed for one step decision.
type DecisionPayload struct {
	RequestID string `json:"request_id"`
	StepIndex int    `json:"step_index"`
	Decision  string `json:"decision"`
	ActorID   string `json:"actor_id"`
	ActedAt   int64  `json:"acted_at"`
}

// SignDecision signs a decision payload with the certificate's private key.
func (s *CertificateService) SignDecision(cert *repository.Certificate, payload DecisionPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal decision payload")
	}
	if len(cert.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.Newf(errors.ErrCodeInternal, "certificate %q has a malformed private key", cert.ID)
	}
	return ed25519.Sign(ed25519.PrivateKey(cert.PrivateKey), data), nil
}

// VerifyDecision checks a recorded signature against the certificate's
// public key. Past signatures verify regardless of later revocation.
func (s *CertificateService) VerifyDecision(cert *repository.Certificate, payload DecisionPayload, signature []byte) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if len(cert.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(cert.PublicKey), data, signature)
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *CertificateService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
