package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

type fakeProvider struct {
	request *models.EmergencyRequest
	session *models.EmergencySession
	records []models.AuditRecord
}

func (p *fakeProvider) GetEmergencyRequest(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error) {
	if p.request != nil && p.request.ID == id {
		return p.request, nil
	}
	return nil, nil
}

func (p *fakeProvider) GetEmergencySession(ctx context.Context, id uuid.UUID) (*models.EmergencySession, error) {
	if p.session != nil && p.session.ID == id {
		return p.session, nil
	}
	return nil, nil
}

func (p *fakeProvider) ListAuditRecords(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error) {
	return p.records, nil
}

func incidentFixture() *fakeProvider {
	reqID := uuid.New()
	sessID := uuid.New()
	started := time.Date(2025, 6, 7, 2, 15, 0, 0, time.UTC)
	return &fakeProvider{
		request: &models.EmergencyRequest{
			ID:                     reqID,
			SubjectID:              "oncall-1",
			EmergencyType:          models.EmergencySystemOutage,
			UrgencyLevel:           models.UrgencyCritical,
			Justification:          "primary database unreachable, failover required",
			SecurityLevel:          models.EmergencyLevelEnhanced,
			OffHours:               true,
			RequiredApprovals:      3,
			MFAReverifyRequired:    true,
			RequestedAt:            started,
			Status:                 models.EmergencyStatusCompleted,
			Approvals: models.ApprovalList{
				{ApproverID: "admin-a", ApproverRole: models.RoleAdmin, Decision: models.ApprovalApprove, Timestamp: started},
			},
			SessionID: &sessID,
		},
		session: &models.EmergencySession{
			ID:        sessID,
			RequestID: reqID,
			SubjectID: "oncall-1",
			Resources: models.StringArray{"billing-db"},
			StartedAt: started,
			ExpiresAt: started.Add(time.Hour),
			Status:    models.GrantStatusExpired,
			ActivityLog: models.ActivityLog{
				{Timestamp: started.Add(5 * time.Minute), Action: "failover", Resource: "billing-db"},
			},
		},
	}
}

func TestPostIncidentReport(t *testing.T) {
	p := incidentFixture()
	g := NewGenerator(p)

	report, err := g.PostIncidentReport(context.Background(), p.request.ID, "auditor@example.com")
	if err != nil {
		t.Fatalf("report generation failed: %v", err)
	}
	if report.Format != FormatPDF || report.MimeType != "application/pdf" {
		t.Errorf("format/mime = %s/%s, want pdf", report.Format, report.MimeType)
	}
	if report.GeneratedBy != "auditor@example.com" {
		t.Errorf("generated by = %q", report.GeneratedBy)
	}
	if len(report.Data) == 0 {
		t.Fatal("report has no data")
	}
	if !bytes.HasPrefix(report.Data, []byte("%PDF")) {
		t.Error("report data is not a PDF document")
	}
}

func TestPostIncidentReport_NotFound(t *testing.T) {
	g := NewGenerator(&fakeProvider{})
	if _, err := g.PostIncidentReport(context.Background(), uuid.New(), "x"); !errdefs.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAuditTrailReport_CSV(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	p := &fakeProvider{
		records: []models.AuditRecord{
			{
				ID:            uuid.New(),
				Timestamp:     now,
				EventType:     models.AuditEventDecision,
				SubType:       "evaluated",
				SubjectID:     "subject-1",
				Action:        "evaluate_access",
				Result:        "granted",
				Severity:      models.SeverityInfo,
				IntegrityHash: "abc123",
			},
			{
				ID:        uuid.New(),
				Timestamp: now.Add(time.Minute),
				EventType: models.AuditEventEmergency,
				SubType:   "submitted",
				SubjectID: "oncall-1",
				Action:    "submit_emergency",
				Result:    "pending",
				Severity:  models.SeverityHigh,
			},
		},
	}
	g := NewGenerator(p)

	report, err := g.AuditTrailReport(context.Background(), now.Add(-time.Hour), now.Add(time.Hour), FormatCSV, "auditor")
	if err != nil {
		t.Fatalf("report generation failed: %v", err)
	}
	if report.MimeType != "text/csv" {
		t.Errorf("mime = %s, want text/csv", report.MimeType)
	}

	rows, err := csv.NewReader(bytes.NewReader(report.Data)).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV output: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv rows = %d, want header + 2 records", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][8] != "Integrity Hash" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if rows[1][6] != "granted" || rows[2][3] != "submitted" {
		t.Errorf("unexpected record rows: %v / %v", rows[1], rows[2])
	}
}

func TestAuditTrailReport_PDF(t *testing.T) {
	g := NewGenerator(&fakeProvider{records: []models.AuditRecord{
		{ID: uuid.New(), Timestamp: time.Now(), EventType: models.AuditEventGrant, Severity: models.SeverityMedium},
	}})

	report, err := g.AuditTrailReport(context.Background(), time.Now().Add(-time.Hour), time.Now(), FormatPDF, "auditor")
	if err != nil {
		t.Fatalf("report generation failed: %v", err)
	}
	if !bytes.HasPrefix(report.Data, []byte("%PDF")) {
		t.Error("report data is not a PDF document")
	}
}

func TestAuditTrailReport_UnsupportedFormat(t *testing.T) {
	g := NewGenerator(&fakeProvider{})
	if _, err := g.AuditTrailReport(context.Background(), time.Now(), time.Now(), "xlsx", "x"); !errdefs.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
