package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type Decision string

const (
	DecisionGranted         Decision = "granted"
	DecisionGrantedWithMFA  Decision = "granted_with_mfa"
	DecisionPendingApproval Decision = "pending_approval"
	DecisionDenied          Decision = "denied"
)

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusDenied    RequestStatus = "denied"
	RequestStatusExpired   RequestStatus = "expired"
	RequestStatusRevoked   RequestStatus = "revoked"
	RequestStatusCancelled RequestStatus = "cancelled"
)

type EmergencyStatus string

const (
	EmergencyStatusPending   EmergencyStatus = "pending"
	EmergencyStatusApproved  EmergencyStatus = "approved"
	EmergencyStatusDenied    EmergencyStatus = "denied"
	EmergencyStatusActive    EmergencyStatus = "active"
	EmergencyStatusExpired   EmergencyStatus = "expired"
	EmergencyStatusCompleted EmergencyStatus = "completed"
)

type GrantStatus string

const (
	GrantStatusActive  GrantStatus = "active"
	GrantStatusExpired GrantStatus = "expired"
	GrantStatusRevoked GrantStatus = "revoked"
)

type ApprovalDecision string

const (
	ApprovalApprove ApprovalDecision = "approve"
	ApprovalDeny    ApprovalDecision = "deny"
)

type EmergencyType string

const (
	EmergencyDataRecovery     EmergencyType = "data_recovery"
	EmergencySystemOutage     EmergencyType = "system_outage"
	EmergencySecurityIncident EmergencyType = "security_incident"
	EmergencyComplianceAudit  EmergencyType = "compliance_audit"
	EmergencyOperational      EmergencyType = "operational"
)

type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// EmergencySecurityLevel controls quorum escalation for break-glass requests.
type EmergencySecurityLevel string

const (
	EmergencyLevelStandard EmergencySecurityLevel = "STANDARD"
	EmergencyLevelEnhanced EmergencySecurityLevel = "ENHANCED"
	EmergencyLevelMaximum  EmergencySecurityLevel = "MAXIMUM"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleSeniorAdmin Role = "senior_admin"
	RoleFaculty     Role = "faculty"
	RoleStaff       Role = "staff"
	RoleStudent     Role = "student"
	RoleVisitor     Role = "visitor"
)

// Actor identifies who is performing an operation. Engine entry points take
// an Actor explicitly rather than reading it from ambient request state.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSeniorAdmin
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// TimeRestrictions limits when a policy rule applies. Hours are in the
// organization's reference timezone; AllowedDays uses time.Weekday values.
type TimeRestrictions struct {
	StartHour   int   `json:"start_hour"`
	EndHour     int   `json:"end_hour"`
	AllowedDays []int `json:"allowed_days,omitempty"`
}

// PolicyRule maps a resource type and role set to access requirements.
type PolicyRule struct {
	ResourceType     string            `json:"resource_type"`
	AllowedRoles     []string          `json:"allowed_roles"`
	MinConfidence    float64           `json:"min_confidence"`
	MFARequired      bool              `json:"mfa_required"`
	TimeRestrictions *TimeRestrictions `json:"time_restrictions,omitempty"`
}

// RuleList stores policy rules as a JSONB column.
type RuleList []PolicyRule

func (r RuleList) Value() (driver.Value, error) {
	if r == nil {
		return json.Marshal([]PolicyRule{})
	}
	return json.Marshal(r)
}

func (r *RuleList) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, r)
}

type Policy struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Priority  int       `json:"priority" db:"priority"`
	Rules     RuleList  `json:"rules" db:"rules"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TimeWindow is a recurring window during which a segment may be accessed.
type TimeWindow struct {
	StartHour int   `json:"start_hour"`
	EndHour   int   `json:"end_hour"`
	Days      []int `json:"days,omitempty"`
}

type TimeWindowList []TimeWindow

func (t TimeWindowList) Value() (driver.Value, error) {
	if t == nil {
		return json.Marshal([]TimeWindow{})
	}
	return json.Marshal(t)
}

func (t *TimeWindowList) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, t)
}

// ResourceSegment is a named, security-leveled grouping of protected
// resources. RequiresJIT and RequiresDualApproval default from SecurityLevel
// (>=3 and >=4 respectively) but may be overridden explicitly.
type ResourceSegment struct {
	ID                   uuid.UUID      `json:"id" db:"id"`
	Name                 string         `json:"name" db:"name"`
	ResourceType         string         `json:"resource_type" db:"resource_type"`
	SecurityLevel        int            `json:"security_level" db:"security_level"`
	AllowedRoles         StringArray    `json:"allowed_roles" db:"allowed_roles"`
	RequiresJIT          bool           `json:"requires_jit" db:"requires_jit"`
	RequiresDualApproval bool           `json:"requires_dual_approval" db:"requires_dual_approval"`
	MaxAccessDurationHrs float64        `json:"max_access_duration_hours" db:"max_access_duration_hours"`
	TimeWindows          TimeWindowList `json:"time_windows" db:"time_windows"`
	IsActive             bool           `json:"is_active" db:"is_active"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}

// ApplyLevelDefaults derives RequiresJIT/RequiresDualApproval from the
// security level. Callers that want to override must set the flags after.
func (s *ResourceSegment) ApplyLevelDefaults() {
	if s.SecurityLevel >= 3 {
		s.RequiresJIT = true
	}
	if s.SecurityLevel >= 4 {
		s.RequiresDualApproval = true
	}
}

// RoleAllowed reports whether role appears in the segment's allow list.
func (s *ResourceSegment) RoleAllowed(role Role) bool {
	for _, r := range s.AllowedRoles {
		if Role(r) == role {
			return true
		}
	}
	return false
}

// ApprovalEntry records one approver's decision on a request. An approver
// contributes at most one entry per request.
type ApprovalEntry struct {
	ApproverID   string           `json:"approver_id"`
	ApproverRole Role             `json:"approver_role,omitempty"`
	Decision     ApprovalDecision `json:"decision"`
	Timestamp    time.Time        `json:"timestamp"`
	Comments     string           `json:"comments,omitempty"`
}

type ApprovalList []ApprovalEntry

func (a ApprovalList) Value() (driver.Value, error) {
	if a == nil {
		return json.Marshal([]ApprovalEntry{})
	}
	return json.Marshal(a)
}

func (a *ApprovalList) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, a)
}

// Contains reports whether approverID already appears in the list.
func (a ApprovalList) Contains(approverID string) bool {
	for _, e := range a {
		if e.ApproverID == approverID {
			return true
		}
	}
	return false
}

// DistinctApprovals counts distinct approver IDs with decision=approve.
func (a ApprovalList) DistinctApprovals() int {
	seen := make(map[string]bool)
	for _, e := range a {
		if e.Decision == ApprovalApprove {
			seen[e.ApproverID] = true
		}
	}
	return len(seen)
}

// HasRole reports whether any approving entry was made by the given role.
func (a ApprovalList) HasRole(role Role) bool {
	for _, e := range a {
		if e.Decision == ApprovalApprove && e.ApproverRole == role {
			return true
		}
	}
	return false
}

// AccessRequest is a standard dual-approval access request. Version is the
// optimistic-concurrency token for approval recording.
type AccessRequest struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	SubjectID         string        `json:"subject_id" db:"subject_id"`
	SegmentID         uuid.UUID     `json:"segment_id" db:"segment_id"`
	Justification     string        `json:"justification" db:"justification"`
	DurationHours     float64       `json:"duration_hours" db:"duration_hours"`
	RequestedAt       time.Time     `json:"requested_at" db:"requested_at"`
	Status            RequestStatus `json:"status" db:"status"`
	Approvals         ApprovalList  `json:"approvals" db:"approvals"`
	Denials           ApprovalList  `json:"denials" db:"denials"`
	RequiredApprovals int           `json:"required_approvals" db:"required_approvals"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty" db:"expires_at"`
	GrantID           *uuid.UUID    `json:"grant_id,omitempty" db:"grant_id"`
	Version           int           `json:"version" db:"version"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// EmergencyRequest is a break-glass request. Escalation fields are computed
// once at submission time and never change afterwards.
type EmergencyRequest struct {
	ID                     uuid.UUID              `json:"id" db:"id"`
	SubjectID              string                 `json:"subject_id" db:"subject_id"`
	EmergencyType          EmergencyType          `json:"emergency_type" db:"emergency_type"`
	UrgencyLevel           UrgencyLevel           `json:"urgency_level" db:"urgency_level"`
	Justification          string                 `json:"justification" db:"justification"`
	RequiredResources      StringArray            `json:"required_resources" db:"required_resources"`
	EstimatedDurationHrs   float64                `json:"estimated_duration_hours" db:"estimated_duration_hours"`
	SecurityLevel          EmergencySecurityLevel `json:"security_level" db:"security_level"`
	OffHours               bool                   `json:"off_hours" db:"off_hours"`
	RequiredApprovals      int                    `json:"required_approvals" db:"required_approvals"`
	SeniorApproverRequired bool                   `json:"senior_approver_required" db:"senior_approver_required"`
	MFAReverifyRequired    bool                   `json:"mfa_reverify_required" db:"mfa_reverify_required"`
	RecordingRequired      bool                   `json:"recording_required" db:"recording_required"`
	RequestedAt            time.Time              `json:"requested_at" db:"requested_at"`
	Status                 EmergencyStatus        `json:"status" db:"status"`
	Approvals              ApprovalList           `json:"approvals" db:"approvals"`
	Denials                ApprovalList           `json:"denials" db:"denials"`
	SessionID              *uuid.UUID             `json:"session_id,omitempty" db:"session_id"`
	ReviewRequired         bool                   `json:"review_required" db:"review_required"`
	ReviewFindings         string                 `json:"review_findings,omitempty" db:"review_findings"`
	ReviewedBy             string                 `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt             *time.Time             `json:"reviewed_at,omitempty" db:"reviewed_at"`
	Version                int                    `json:"version" db:"version"`
	CreatedAt              time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at" db:"updated_at"`
}

// Grant is a time-bounded access grant created by an approved request.
// Expiry is a pure function of (Status, ExpiresAt, now).
type Grant struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	RequestID    uuid.UUID   `json:"request_id" db:"request_id"`
	SubjectID    string      `json:"subject_id" db:"subject_id"`
	SegmentID    uuid.UUID   `json:"segment_id" db:"segment_id"`
	GrantedAt    time.Time   `json:"granted_at" db:"granted_at"`
	ExpiresAt    time.Time   `json:"expires_at" db:"expires_at"`
	Status       GrantStatus `json:"status" db:"status"`
	MFARequired  bool        `json:"mfa_required" db:"mfa_required"`
	RevokedBy    string      `json:"revoked_by,omitempty" db:"revoked_by"`
	RevokeReason string      `json:"revoke_reason,omitempty" db:"revoke_reason"`
	RevokedAt    *time.Time  `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// ActivityEntry is one action the subject logged during an emergency session.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Details   string    `json:"details,omitempty"`
}

type ActivityLog []ActivityEntry

func (l ActivityLog) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]ActivityEntry{})
	}
	return json.Marshal(l)
}

func (l *ActivityLog) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

// EmergencySession is the live session created when an emergency request
// reaches quorum. The subject must append to ActivityLog during the session.
type EmergencySession struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	RequestID         uuid.UUID   `json:"request_id" db:"request_id"`
	SubjectID         string      `json:"subject_id" db:"subject_id"`
	Resources         StringArray `json:"resources" db:"resources"`
	StartedAt         time.Time   `json:"started_at" db:"started_at"`
	ExpiresAt         time.Time   `json:"expires_at" db:"expires_at"`
	Status            GrantStatus `json:"status" db:"status"`
	ActivityLog       ActivityLog `json:"activity_log" db:"activity_log"`
	RecordingRequired bool        `json:"recording_required" db:"recording_required"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

type AuditEventType string

const (
	AuditEventDecision  AuditEventType = "access_decision"
	AuditEventApproval  AuditEventType = "approval"
	AuditEventGrant     AuditEventType = "grant"
	AuditEventEmergency AuditEventType = "emergency"
	AuditEventSecurity  AuditEventType = "security"
	AuditEventAdmin     AuditEventType = "admin"
)

// AuditRecord is an append-only, HMAC-signed event record. IntegrityHash
// covers a canonical serialization of every other field; renaming a field
// invalidates historical hashes, which is why Version exists.
type AuditRecord struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	Version       int            `json:"version" db:"version"`
	EventType     AuditEventType `json:"event_type" db:"event_type"`
	SubType       string         `json:"sub_type" db:"sub_type"`
	SubjectID     string         `json:"subject_id" db:"subject_id"`
	Action        string         `json:"action" db:"action"`
	Result        string         `json:"result" db:"result"`
	Severity      Severity       `json:"severity" db:"severity"`
	Details       JSONB          `json:"details,omitempty" db:"details"`
	Timestamp     time.Time      `json:"timestamp" db:"timestamp"`
	IntegrityHash string         `json:"integrity_hash" db:"integrity_hash"`
}
