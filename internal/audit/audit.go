package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

// RecordVersion identifies the canonical field set. Renaming any hashed
// field changes the hash of all historical records, so a rename requires a
// version bump and version-aware verification.
const RecordVersion = 1

// Store defines the interface for audit record persistence. Records are
// append-only; the store never exposes an update path.
type Store interface {
	AppendAuditRecord(ctx context.Context, rec *models.AuditRecord) error
	GetAuditRecord(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error)
	ListAuditRecords(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error)
}

// Service appends HMAC-signed audit records and verifies their integrity.
type Service struct {
	secret       []byte
	redactionCap int
	store        Store
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Service)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(secret string, redactionCap int, store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if redactionCap <= 0 {
		redactionCap = 256
	}
	s := &Service{
		secret:       []byte(secret),
		redactionCap: redactionCap,
		store:        store,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append redacts, signs, and stores a record. The record's ID, Version and
// Timestamp are assigned here; redaction happens before hashing so
// verification is reproducible from stored fields.
func (s *Service) Append(ctx context.Context, rec *models.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Version = RecordVersion
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	// Postgres stores microsecond precision; truncate up front so the hash
	// computed now matches the hash recomputed after a round trip.
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	rec.Details = s.redactDetails(rec.Details)

	hash, err := s.computeHash(rec)
	if err != nil {
		return fmt.Errorf("computing integrity hash: %w", err)
	}
	rec.IntegrityHash = hash

	if err := s.store.AppendAuditRecord(ctx, rec); err != nil {
		return errdefs.Upstreamf("appending audit record: %v", err)
	}
	return nil
}

// Verify recomputes the hash of a stored record and compares. A mismatch is
// reported, never auto-corrected.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) error {
	rec, err := s.store.GetAuditRecord(ctx, id)
	if err != nil {
		return errdefs.Upstreamf("loading audit record: %v", err)
	}
	if rec == nil {
		return errdefs.NotFoundf("audit record %s", id)
	}
	return s.verifyRecord(rec)
}

func (s *Service) verifyRecord(rec *models.AuditRecord) error {
	expected, err := s.computeHash(rec)
	if err != nil {
		return fmt.Errorf("recomputing hash: %w", err)
	}
	if !hmac.Equal([]byte(expected), []byte(rec.IntegrityHash)) {
		return errdefs.Integrityf("audit record %s failed integrity verification", rec.ID)
	}
	return nil
}

// BatchResult summarizes a range verification. TamperedIDs lists every
// failing record; verification does not halt on first failure.
type BatchResult struct {
	Verified    int         `json:"verified"`
	Failed      int         `json:"failed"`
	TamperedIDs []uuid.UUID `json:"tampered_ids"`
}

// BatchVerify scans a time range and reports per-record pass/fail.
func (s *Service) BatchVerify(ctx context.Context, start, end time.Time) (*BatchResult, error) {
	records, err := s.store.ListAuditRecords(ctx, start, end)
	if err != nil {
		return nil, errdefs.Upstreamf("listing audit records: %v", err)
	}

	result := &BatchResult{TamperedIDs: []uuid.UUID{}}
	for i := range records {
		if err := s.verifyRecord(&records[i]); err != nil {
			result.Failed++
			result.TamperedIDs = append(result.TamperedIDs, records[i].ID)
			s.logger.Error("audit record failed verification",
				"record_id", records[i].ID,
				"event_type", records[i].EventType)
			continue
		}
		result.Verified++
	}
	return result, nil
}

// redactedKeys are detail fields that never enter storage or the hash.
var redactedKeys = []string{"token", "secret", "password", "credential", "api_key"}

// redactDetails removes sensitive keys and truncates long free text. Applied
// consistently on write so stored fields reproduce the hash.
func (s *Service) redactDetails(details models.JSONB) models.JSONB {
	if details == nil {
		return nil
	}
	out := make(models.JSONB, len(details))
	for key, value := range details {
		lower := strings.ToLower(key)
		sensitive := false
		for _, rk := range redactedKeys {
			if strings.Contains(lower, rk) {
				sensitive = true
				break
			}
		}
		if sensitive {
			out[key] = "[REDACTED]"
			continue
		}
		if str, ok := value.(string); ok && len(str) > s.redactionCap {
			out[key] = str[:s.redactionCap] + "...[TRUNCATED]"
			continue
		}
		out[key] = value
	}
	return out
}

// computeHash HMAC-SHA256s the canonical serialization of the record minus
// IntegrityHash. Canonical form is JSON with sorted keys (map marshaling)
// and the timestamp in RFC3339Nano UTC. Field names here are a stable
// contract; see RecordVersion.
func (s *Service) computeHash(rec *models.AuditRecord) (string, error) {
	canonical := map[string]interface{}{
		"id":         rec.ID.String(),
		"version":    rec.Version,
		"event_type": string(rec.EventType),
		"sub_type":   rec.SubType,
		"subject_id": rec.SubjectID,
		"action":     rec.Action,
		"result":     rec.Result,
		"severity":   string(rec.Severity),
		"details":    map[string]interface{}(rec.Details),
		"timestamp":  rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
