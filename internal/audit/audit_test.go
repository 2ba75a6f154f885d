package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

type memStore struct {
	records map[uuid.UUID]*models.AuditRecord
	order   []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]*models.AuditRecord)}
}

func (s *memStore) AppendAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	cp := *rec
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *memStore) GetAuditRecord(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ListAuditRecords(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error) {
	out := make([]models.AuditRecord, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func testRecord() *models.AuditRecord {
	return &models.AuditRecord{
		EventType: models.AuditEventDecision,
		SubType:   "decision",
		SubjectID: "user-1",
		Action:    "evaluate",
		Result:    "granted",
		Severity:  models.SeverityInfo,
		Details: models.JSONB{
			"segment_id": "abc",
			"score":      87.5,
		},
	}
}

func TestAppendAndVerify(t *testing.T) {
	store := newMemStore()
	svc := NewService("test-secret", 256, store, nil)

	rec := testRecord()
	if err := svc.Append(context.Background(), rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if rec.ID == uuid.Nil {
		t.Error("append did not assign an ID")
	}
	if rec.Version != RecordVersion {
		t.Errorf("version = %d, want %d", rec.Version, RecordVersion)
	}
	if rec.IntegrityHash == "" {
		t.Fatal("append did not set integrity hash")
	}

	if err := svc.Verify(context.Background(), rec.ID); err != nil {
		t.Errorf("verify failed on untampered record: %v", err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := newMemStore()
	svc := NewService("test-secret", 256, store, nil)

	rec := testRecord()
	if err := svc.Append(context.Background(), rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Tamper with every hashed field in turn.
	tamper := []struct {
		name   string
		mutate func(r *models.AuditRecord)
	}{
		{"action", func(r *models.AuditRecord) { r.Action = "delete" }},
		{"result", func(r *models.AuditRecord) { r.Result = "denied" }},
		{"subject", func(r *models.AuditRecord) { r.SubjectID = "attacker" }},
		{"severity", func(r *models.AuditRecord) { r.Severity = models.SeverityCritical }},
		{"details", func(r *models.AuditRecord) { r.Details["score"] = 99.9 }},
		{"timestamp", func(r *models.AuditRecord) { r.Timestamp = r.Timestamp.Add(time.Hour) }},
	}

	for _, tt := range tamper {
		t.Run(tt.name, func(t *testing.T) {
			stored := store.records[rec.ID]
			orig := *stored
			origDetails := make(models.JSONB, len(stored.Details))
			for k, v := range stored.Details {
				origDetails[k] = v
			}
			stored.Details = origDetails

			tt.mutate(stored)
			err := svc.Verify(context.Background(), rec.ID)
			if !errdefs.IsIntegrity(err) {
				t.Errorf("tampered %s: expected integrity error, got %v", tt.name, err)
			}

			*stored = orig
		})
	}
}

func TestVerify_WrongSecretFails(t *testing.T) {
	store := newMemStore()
	writer := NewService("secret-a", 256, store, nil)

	rec := testRecord()
	if err := writer.Append(context.Background(), rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	reader := NewService("secret-b", 256, store, nil)
	if err := reader.Verify(context.Background(), rec.ID); !errdefs.IsIntegrity(err) {
		t.Errorf("expected integrity error with wrong secret, got %v", err)
	}
}

func TestVerify_NotFound(t *testing.T) {
	svc := NewService("test-secret", 256, newMemStore(), nil)
	if err := svc.Verify(context.Background(), uuid.New()); !errdefs.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestRedaction(t *testing.T) {
	store := newMemStore()
	svc := NewService("test-secret", 32, store, nil)

	rec := testRecord()
	rec.Details = models.JSONB{
		"api_key":       "AKIA123456",
		"user_password": "hunter2",
		"refresh_token": "eyJhbGciOi",
		"justification": strings.Repeat("x", 100),
		"segment":       "prod-db",
	}

	if err := svc.Append(context.Background(), rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	stored := store.records[rec.ID]
	for _, key := range []string{"api_key", "user_password", "refresh_token"} {
		if stored.Details[key] != "[REDACTED]" {
			t.Errorf("details[%q] = %v, want [REDACTED]", key, stored.Details[key])
		}
	}

	long, _ := stored.Details["justification"].(string)
	if !strings.HasSuffix(long, "...[TRUNCATED]") {
		t.Errorf("long value not truncated: %q", long)
	}
	if len(long) > 32+len("...[TRUNCATED]") {
		t.Errorf("truncated value too long: %d chars", len(long))
	}

	if stored.Details["segment"] != "prod-db" {
		t.Errorf("benign key modified: %v", stored.Details["segment"])
	}

	// Redaction happens before hashing, so the stored record verifies.
	if err := svc.Verify(context.Background(), rec.ID); err != nil {
		t.Errorf("verify failed after redaction: %v", err)
	}
}

func TestBatchVerify(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService("test-secret", 256, store, nil, WithClock(func() time.Time { return now }))

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		rec := testRecord()
		if err := svc.Append(context.Background(), rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	// Tamper with two of them.
	store.records[ids[1]].Result = "tampered"
	store.records[ids[3]].Action = "tampered"

	result, err := svc.BatchVerify(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("batch verify failed: %v", err)
	}

	if result.Verified != 3 {
		t.Errorf("verified = %d, want 3", result.Verified)
	}
	if result.Failed != 2 {
		t.Errorf("failed = %d, want 2", result.Failed)
	}
	if len(result.TamperedIDs) != 2 {
		t.Fatalf("tampered ids = %v, want 2 entries", result.TamperedIDs)
	}
	want := map[uuid.UUID]bool{ids[1]: true, ids[3]: true}
	for _, id := range result.TamperedIDs {
		if !want[id] {
			t.Errorf("unexpected tampered id %s", id)
		}
	}
}

func TestAppend_TimestampTruncatedUTC(t *testing.T) {
	store := newMemStore()
	loc := time.FixedZone("PST", -8*3600)
	now := time.Date(2025, 6, 1, 4, 30, 0, 123456789, loc)
	svc := NewService("test-secret", 256, store, nil, WithClock(func() time.Time { return now }))

	rec := testRecord()
	if err := svc.Append(context.Background(), rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if rec.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %v", rec.Timestamp.Location())
	}
	if rec.Timestamp.Nanosecond()%1000 != 0 {
		t.Errorf("timestamp not truncated to microseconds: %v", rec.Timestamp.Nanosecond())
	}
}
