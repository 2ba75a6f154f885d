package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/errdefs"
	"github.com/sentinelsec/gatewarden/internal/models"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

// Report is a generated document ready for download.
type Report struct {
	Title       string
	Format      ReportFormat
	GeneratedAt time.Time
	GeneratedBy string
	Data        []byte
	Filename    string
	MimeType    string
}

// DataProvider supplies the records the generator renders.
type DataProvider interface {
	GetEmergencyRequest(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error)
	GetEmergencySession(ctx context.Context, id uuid.UUID) (*models.EmergencySession, error)
	ListAuditRecords(ctx context.Context, start, end time.Time) ([]models.AuditRecord, error)
}

type Generator struct {
	provider DataProvider
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider}
}

// PostIncidentReport renders the full break-glass incident record: the
// request, the escalation that applied, every approval, and the session
// activity log.
func (g *Generator) PostIncidentReport(ctx context.Context, requestID uuid.UUID, generatedBy string) (*Report, error) {
	req, err := g.provider.GetEmergencyRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("fetching emergency request: %w", err)
	}
	if req == nil {
		return nil, errdefs.NotFoundf("emergency request %s", requestID)
	}

	pdf := NewPDFReport("Post-Incident Access Review")

	pdf.AddSection("Incident Summary")
	pdf.AddKeyValues([][2]string{
		{"Request ID", req.ID.String()},
		{"Requested By", req.SubjectID},
		{"Emergency Type", string(req.EmergencyType)},
		{"Urgency", string(req.UrgencyLevel)},
		{"Security Level", string(req.SecurityLevel)},
		{"Off Hours", fmt.Sprintf("%t", req.OffHours)},
		{"Status", string(req.Status)},
		{"Requested At", req.RequestedAt.Format(time.RFC1123)},
	})

	pdf.AddSection("Justification")
	pdf.AddParagraph(req.Justification)

	pdf.AddSection("Approval Requirements")
	pdf.AddKeyValues([][2]string{
		{"Approvals Required", fmt.Sprintf("%d", req.RequiredApprovals)},
		{"Senior Approver Required", fmt.Sprintf("%t", req.SeniorApproverRequired)},
		{"MFA Reverification", fmt.Sprintf("%t", req.MFAReverifyRequired)},
		{"Session Recording", fmt.Sprintf("%t", req.RecordingRequired)},
	})

	if len(req.Approvals) > 0 || len(req.Denials) > 0 {
		pdf.AddSection("Decisions")
		rows := make([][]string, 0, len(req.Approvals)+len(req.Denials))
		for _, a := range req.Approvals {
			rows = append(rows, []string{
				a.ApproverID, string(a.ApproverRole), string(a.Decision),
				a.Timestamp.Format("2006-01-02 15:04"),
			})
		}
		for _, d := range req.Denials {
			rows = append(rows, []string{
				d.ApproverID, string(d.ApproverRole), string(d.Decision),
				d.Timestamp.Format("2006-01-02 15:04"),
			})
		}
		pdf.AddTable([]string{"Approver", "Role", "Decision", "Time"}, rows)
	}

	if req.SessionID != nil {
		sess, err := g.provider.GetEmergencySession(ctx, *req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("fetching emergency session: %w", err)
		}
		if sess != nil {
			pdf.AddSection("Session")
			pdf.AddKeyValues([][2]string{
				{"Session ID", sess.ID.String()},
				{"Started At", sess.StartedAt.Format(time.RFC1123)},
				{"Expired At", sess.ExpiresAt.Format(time.RFC1123)},
				{"Status", string(sess.Status)},
				{"Resources", fmt.Sprintf("%v", []string(sess.Resources))},
			})

			if len(sess.ActivityLog) > 0 {
				pdf.AddSection(fmt.Sprintf("Activity Log (%d entries)", len(sess.ActivityLog)))
				rows := make([][]string, 0, len(sess.ActivityLog))
				for _, e := range sess.ActivityLog {
					rows = append(rows, []string{
						e.Timestamp.Format("15:04:05"), e.Action, e.Resource, e.Details,
					})
				}
				pdf.AddTable([]string{"Time", "Action", "Resource", "Details"}, rows)
			} else {
				pdf.AddSection("Activity Log")
				pdf.AddParagraph("No activity was logged during this session.")
			}
		}
	}

	pdf.AddSection("Post-Incident Review")
	if req.ReviewedBy != "" {
		pdf.AddKeyValues([][2]string{
			{"Reviewed By", req.ReviewedBy},
			{"Reviewed At", req.ReviewedAt.Format(time.RFC1123)},
		})
		pdf.AddParagraph(req.ReviewFindings)
	} else {
		pdf.AddParagraph("Review pending. This incident has not yet been reviewed.")
	}

	data, err := pdf.Output()
	if err != nil {
		return nil, err
	}

	return &Report{
		Title:       "Post-Incident Access Review",
		Format:      FormatPDF,
		GeneratedAt: time.Now(),
		GeneratedBy: generatedBy,
		Data:        data,
		Filename:    fmt.Sprintf("incident_%s_%s.pdf", requestID, time.Now().Format("20060102_150405")),
		MimeType:    "application/pdf",
	}, nil
}

// AuditTrailReport exports the audit trail for a window. CSV for tooling,
// PDF for review meetings.
func (g *Generator) AuditTrailReport(ctx context.Context, start, end time.Time, format ReportFormat, generatedBy string) (*Report, error) {
	records, err := g.provider.ListAuditRecords(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetching audit records: %w", err)
	}

	var data []byte
	var filename, mimeType string

	switch format {
	case FormatCSV:
		data, err = auditToCSV(records)
		filename = fmt.Sprintf("audit_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = auditToPDF(records, start, end)
		filename = fmt.Sprintf("audit_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, errdefs.Validationf("unsupported report format %q", format)
	}
	if err != nil {
		return nil, err
	}

	return &Report{
		Title:       "Audit Trail",
		Format:      format,
		GeneratedAt: time.Now(),
		GeneratedBy: generatedBy,
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func auditToCSV(records []models.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "Timestamp", "Event Type", "Sub Type", "Subject", "Action", "Result", "Severity", "Integrity Hash"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, rec := range records {
		row := []string{
			rec.ID.String(),
			rec.Timestamp.Format(time.RFC3339),
			string(rec.EventType),
			rec.SubType,
			rec.SubjectID,
			rec.Action,
			rec.Result,
			string(rec.Severity),
			rec.IntegrityHash,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func auditToPDF(records []models.AuditRecord, start, end time.Time) ([]byte, error) {
	pdf := NewPDFReport("Audit Trail")

	pdf.AddSection("Window")
	pdf.AddKeyValues([][2]string{
		{"From", start.Format(time.RFC1123)},
		{"To", end.Format(time.RFC1123)},
		{"Records", fmt.Sprintf("%d", len(records))},
	})

	bySeverity := make(map[string]int)
	for _, rec := range records {
		bySeverity[string(rec.Severity)]++
	}
	pdf.AddSection("Events by Severity")
	pairs := make([][2]string, 0, len(bySeverity))
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow, models.SeverityInfo} {
		if n, ok := bySeverity[string(sev)]; ok {
			pairs = append(pairs, [2]string{string(sev), fmt.Sprintf("%d", n)})
		}
	}
	pdf.AddKeyValues(pairs)

	pdf.AddSection("Events")
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Timestamp.Format("01-02 15:04"),
			string(rec.EventType),
			rec.SubjectID,
			rec.Action,
			rec.Result,
		})
	}
	pdf.AddTable([]string{"Time", "Type", "Subject", "Action", "Result"}, rows)

	return pdf.Output()
}
