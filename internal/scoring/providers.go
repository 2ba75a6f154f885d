package scoring

import (
	"context"
)

// NeutralScore is returned when a risk factor provider has no history for a
// subject. Providers must degrade to this rather than erroring.
const NeutralScore = 50.0

// DeviceTrustProvider reports how much a subject's device is trusted, 0-100.
type DeviceTrustProvider interface {
	GetDeviceTrust(ctx context.Context, subjectID, deviceID string) (float64, error)
}

// BehavioralProvider reports a behavioral-anomaly score, 0-100 where higher
// means more consistent with the subject's established behavior.
type BehavioralProvider interface {
	GetBehavioralScore(ctx context.Context, subjectID string, sessionContext map[string]string) (float64, error)
}

// PeerProvider reports the approval rate (0-1) for comparable requests from
// the subject's peer group.
type PeerProvider interface {
	GetPeerApprovalRate(ctx context.Context, role, department, resourceType string) (float64, error)
}

// HistorySummary aggregates a subject's recent request history.
type HistorySummary struct {
	TotalRequests    int
	ApprovedRequests int
	DeniedRequests   int
	RecentDenials    int // denials within the last 24h
	RequestsLastHour int
	DistinctIPs      int
}

// HistoryProvider supplies recent request history for the historical-pattern
// and anomaly components.
type HistoryProvider interface {
	GetHistory(ctx context.Context, subjectID string) (*HistorySummary, error)
}

// Providers bundles the external risk factor sources. Any nil field is
// treated as a neutral source.
type Providers struct {
	Device     DeviceTrustProvider
	Behavioral BehavioralProvider
	Peer       PeerProvider
	History    HistoryProvider
}

// NeutralProviders returns a provider set that yields neutral scores for
// everything. Used in tests and as a fallback when no providers are wired.
func NeutralProviders() Providers {
	return Providers{
		Device:     neutralDevice{},
		Behavioral: neutralBehavioral{},
		Peer:       neutralPeer{},
		History:    neutralHistory{},
	}
}

type neutralDevice struct{}

func (neutralDevice) GetDeviceTrust(ctx context.Context, subjectID, deviceID string) (float64, error) {
	return NeutralScore, nil
}

type neutralBehavioral struct{}

func (neutralBehavioral) GetBehavioralScore(ctx context.Context, subjectID string, sessionContext map[string]string) (float64, error) {
	return NeutralScore, nil
}

type neutralPeer struct{}

func (neutralPeer) GetPeerApprovalRate(ctx context.Context, role, department, resourceType string) (float64, error) {
	return 0.5, nil
}

type neutralHistory struct{}

func (neutralHistory) GetHistory(ctx context.Context, subjectID string) (*HistorySummary, error) {
	return &HistorySummary{}, nil
}

// StaticDevice is a fixed-score device provider for tests.
type StaticDevice float64

func (s StaticDevice) GetDeviceTrust(ctx context.Context, subjectID, deviceID string) (float64, error) {
	return float64(s), nil
}

// StaticBehavioral is a fixed-score behavioral provider for tests.
type StaticBehavioral float64

func (s StaticBehavioral) GetBehavioralScore(ctx context.Context, subjectID string, sessionContext map[string]string) (float64, error) {
	return float64(s), nil
}

// StaticPeer is a fixed-rate peer provider for tests.
type StaticPeer float64

func (s StaticPeer) GetPeerApprovalRate(ctx context.Context, role, department, resourceType string) (float64, error) {
	return float64(s), nil
}

// StaticHistory is a fixed history provider for tests.
type StaticHistory HistorySummary

func (s StaticHistory) GetHistory(ctx context.Context, subjectID string) (*HistorySummary, error) {
	h := HistorySummary(s)
	return &h, nil
}
