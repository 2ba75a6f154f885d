package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sentinelsec/gatewarden/internal/config"
	"github.com/sentinelsec/gatewarden/internal/models"
)

// Delivery is one rendered notification ready for the channels.
type Delivery struct {
	SubjectID string
	Title     string
	Message   string
	Priority  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Service delivers notifications over Slack webhooks and SMTP email.
// Channel failures are reported to the caller; the queue handles retries.
type Service struct {
	cfg    config.NotificationsConfig
	logger *slog.Logger
	client *http.Client
}

func NewService(cfg config.NotificationsConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers to every enabled channel at or above the configured
// minimum severity.
func (s *Service) Send(ctx context.Context, d *Delivery) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	minimum := models.Severity(s.cfg.MinSeverity)
	if !s.shouldNotify(d.Priority, minimum) {
		return nil
	}

	var errs []error

	if s.cfg.Slack.Enabled {
		if err := s.sendSlack(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}
	if s.cfg.Email.Enabled {
		if err := s.sendEmail(d); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}
	return nil
}

func (s *Service) shouldNotify(actual, minimum models.Severity) bool {
	order := map[models.Severity]int{
		models.SeverityInfo:     0,
		models.SeverityLow:      1,
		models.SeverityMedium:   2,
		models.SeverityHigh:     3,
		models.SeverityCritical: 4,
	}
	return order[actual] >= order[minimum]
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) sendSlack(ctx context.Context, d *Delivery) error {
	fields := []slackField{}
	if d.SubjectID != "" {
		fields = append(fields, slackField{Title: "Subject", Value: d.SubjectID, Short: true})
	}
	for _, key := range []string{"request_id", "grant_id", "session_id", "security_level"} {
		if v, ok := d.Data[key].(string); ok {
			fields = append(fields, slackField{Title: key, Value: v, Short: true})
		}
	}

	msg := slackMessage{
		Channel:  s.cfg.Slack.Channel,
		Username: "gatewarden",
		Attachments: []slackAttachment{
			{
				Color:     severityToColor(d.Priority),
				Title:     d.Title,
				Text:      d.Message,
				Fallback:  fmt.Sprintf("%s: %s", d.Title, d.Message),
				Fields:    fields,
				Footer:    "Gatewarden Access Control",
				Timestamp: d.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.cfg.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"title", d.Title,
		"priority", d.Priority)
	return nil
}

func severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(d *Delivery) error {
	subject := fmt.Sprintf("[Gatewarden] %s", d.Title)
	body, err := s.formatEmailBody(d)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.cfg.Email.Username, s.cfg.Email.Password, s.cfg.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.cfg.Email.SMTPHost, s.cfg.Email.SMTPPort)

	if err := smtp.SendMail(addr, auth, s.cfg.Email.From, s.cfg.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"title", d.Title,
		"recipients", len(s.cfg.Email.To))
	return nil
}

func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.cfg.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.cfg.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

var emailTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .priority { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.PriorityColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Priority: <span class="priority">{{.Priority}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>Automated alert from the Gatewarden access control system.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`))

func (s *Service) formatEmailBody(d *Delivery) (string, error) {
	headerColor := "#2196F3"
	switch d.Priority {
	case models.SeverityCritical:
		headerColor = "#F44336"
	case models.SeverityHigh:
		headerColor = "#FF9800"
	case models.SeverityMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":         d.Title,
		"Message":       d.Message,
		"Priority":      string(d.Priority),
		"HeaderColor":   headerColor,
		"PriorityColor": severityToColor(d.Priority),
		"Data":          d.Data,
		"HasData":       len(d.Data) > 0,
		"Timestamp":     d.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
