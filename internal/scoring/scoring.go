package scoring

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sentinelsec/gatewarden/internal/models"
)

// Component names as they appear in score breakdowns.
const (
	ComponentRoleMatch        = "role_match"
	ComponentIntentClarity    = "intent_clarity"
	ComponentHistorical       = "historical_pattern"
	ComponentContextValidity  = "context_validity"
	ComponentAnomaly          = "anomaly_detection"
	ComponentContextualIntel  = "contextual_intelligence"
	ComponentDeviceTrust      = "device_trust"
	ComponentBehavioral       = "behavioral"
	ComponentPeer             = "peer_approval"
	ComponentTemporal         = "temporal"
	ComponentJustQuality      = "justification_quality"
)

// Weights is a named scoring profile. The two profiles are kept distinct;
// their compositions differ and are not meant to be reconciled.
type Weights map[string]float64

// StandardWeights is the profile for standard policy-evaluated requests.
func StandardWeights() Weights {
	return Weights{
		ComponentRoleMatch:       0.25,
		ComponentIntentClarity:   0.20,
		ComponentHistorical:      0.15,
		ComponentContextValidity: 0.10,
		ComponentAnomaly:         0.10,
		ComponentContextualIntel: 0.20,
	}
}

// JITWeights is the profile for just-in-time access requests.
func JITWeights() Weights {
	return Weights{
		ComponentDeviceTrust: 0.25,
		ComponentBehavioral:  0.20,
		ComponentPeer:        0.15,
		ComponentTemporal:    0.15,
		ComponentHistorical:  0.15,
		ComponentJustQuality: 0.10,
	}
}

// Input is everything the scorer needs. Scoring is a pure function of this
// input plus provider responses; it performs no writes.
type Input struct {
	SubjectID      string
	Role           models.Role
	Department     string
	DeviceID       string
	Segment        *models.ResourceSegment
	Justification  string
	Timestamp      time.Time
	SessionContext map[string]string
	Metadata       map[string]string
}

// Result is the composite score with its labeled breakdown. Component
// failures appear in Errors keyed by component name; the component itself
// degrades to the neutral score so a result is always produced.
type Result struct {
	Score     float64            `json:"score"`
	Breakdown map[string]float64 `json:"breakdown"`
	Errors    map[string]string  `json:"errors,omitempty"`
}

// Engine combines risk-factor inputs and policy-context signals into a
// single 0-100 confidence score.
type Engine struct {
	providers Providers
	logger    *slog.Logger
}

func NewEngine(providers Providers, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if providers.Device == nil {
		providers.Device = neutralDevice{}
	}
	if providers.Behavioral == nil {
		providers.Behavioral = neutralBehavioral{}
	}
	if providers.Peer == nil {
		providers.Peer = neutralPeer{}
	}
	if providers.History == nil {
		providers.History = neutralHistory{}
	}
	return &Engine{providers: providers, logger: logger}
}

// ScoreStandard computes a confidence score using the standard profile.
func (e *Engine) ScoreStandard(ctx context.Context, in Input) Result {
	r := newResult()

	e.component(&r, ComponentRoleMatch, func() (float64, error) {
		return e.roleMatch(in), nil
	})
	e.component(&r, ComponentIntentClarity, func() (float64, error) {
		return justificationQuality(in.Justification), nil
	})
	e.component(&r, ComponentHistorical, func() (float64, error) {
		return e.historicalPattern(ctx, in.SubjectID)
	})
	e.component(&r, ComponentContextValidity, func() (float64, error) {
		return e.contextValidity(in), nil
	})
	e.component(&r, ComponentAnomaly, func() (float64, error) {
		return e.anomalyScore(ctx, in.SubjectID)
	})
	e.component(&r, ComponentContextualIntel, func() (float64, error) {
		return e.contextualIntelligence(ctx, in)
	})

	r.Score = combine(r.Breakdown, StandardWeights())
	return r
}

// ScoreJIT computes a confidence score using the JIT profile.
func (e *Engine) ScoreJIT(ctx context.Context, in Input) Result {
	r := newResult()

	e.component(&r, ComponentDeviceTrust, func() (float64, error) {
		return e.providers.Device.GetDeviceTrust(ctx, in.SubjectID, in.DeviceID)
	})
	e.component(&r, ComponentBehavioral, func() (float64, error) {
		return e.providers.Behavioral.GetBehavioralScore(ctx, in.SubjectID, in.SessionContext)
	})
	e.component(&r, ComponentPeer, func() (float64, error) {
		resourceType := ""
		if in.Segment != nil {
			resourceType = in.Segment.ResourceType
		}
		rate, err := e.providers.Peer.GetPeerApprovalRate(ctx, string(in.Role), in.Department, resourceType)
		return rate * 100, err
	})
	e.component(&r, ComponentTemporal, func() (float64, error) {
		return e.temporalScore(in), nil
	})
	e.component(&r, ComponentHistorical, func() (float64, error) {
		return e.historicalPattern(ctx, in.SubjectID)
	})
	e.component(&r, ComponentJustQuality, func() (float64, error) {
		return justificationQuality(in.Justification), nil
	})

	r.Score = combine(r.Breakdown, JITWeights())
	return r
}

func newResult() Result {
	return Result{Breakdown: make(map[string]float64)}
}

// component runs one scoring component, degrading to the neutral score and
// recording the error when the component fails.
func (e *Engine) component(r *Result, name string, fn func() (float64, error)) {
	score, err := fn()
	if err != nil {
		e.logger.Warn("scoring component failed, using neutral default",
			"component", name,
			"error", err)
		if r.Errors == nil {
			r.Errors = make(map[string]string)
		}
		r.Errors[name] = err.Error()
		score = NeutralScore
	}
	r.Breakdown[name] = clamp(score)
}

// combine sums in sorted component order. Map iteration order would vary
// the float addition order and with it the last bits of the score, so the
// same inputs could land on different sides of a threshold.
func combine(breakdown map[string]float64, weights Weights) float64 {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var total float64
	for _, name := range names {
		score, ok := breakdown[name]
		if !ok {
			score = NeutralScore
		}
		total += score * weights[name]
	}
	return clamp(total)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(v, 100))
}

// roleMatch scores allow-list membership for the target segment.
func (e *Engine) roleMatch(in Input) float64 {
	if in.Segment == nil {
		return NeutralScore
	}
	if !in.Segment.RoleAllowed(in.Role) {
		return 10
	}
	score := 90.0
	if in.Role == models.RoleAdmin || in.Role == models.RoleSeniorAdmin {
		score += 10
	}
	return score
}

// justificationQuality scores how specific and substantive a justification
// is. Pure text heuristic, no provider calls.
func justificationQuality(justification string) float64 {
	text := strings.TrimSpace(justification)
	if text == "" {
		return 10
	}

	score := 40.0

	length := len(text)
	switch {
	case length >= 200:
		score += 25
	case length >= 100:
		score += 20
	case length >= 50:
		score += 12
	case length >= 20:
		score += 5
	}

	// Specific intent keywords suggest a concrete task rather than a vague ask.
	keywords := []string{
		"ticket", "incident", "deploy", "migration", "maintenance",
		"investigate", "restore", "backup", "patch", "review", "debug",
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	score += math.Min(float64(matched)*8, 24)

	// All-caps or repeated-word filler reads as low effort.
	if text == strings.ToUpper(text) && length > 10 {
		score -= 15
	}
	words := strings.Fields(lower)
	if len(words) > 0 {
		distinct := make(map[string]bool, len(words))
		for _, w := range words {
			distinct[w] = true
		}
		if float64(len(distinct))/float64(len(words)) < 0.5 {
			score -= 10
		}
	}

	return clamp(score)
}

// historicalPattern scores the subject's recent approval rate, with a bonus
// for an established record and penalties for recent denials.
func (e *Engine) historicalPattern(ctx context.Context, subjectID string) (float64, error) {
	hist, err := e.providers.History.GetHistory(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if hist == nil || hist.TotalRequests == 0 {
		return NeutralScore, nil
	}

	rate := float64(hist.ApprovedRequests) / float64(hist.TotalRequests)
	score := rate * 100

	if hist.TotalRequests >= 3 {
		score += 10
	}
	score -= float64(hist.RecentDenials) * 15

	return clamp(score), nil
}

// contextValidity checks the request against the segment's time windows and
// required metadata, deducting for each violation.
func (e *Engine) contextValidity(in Input) float64 {
	score := 100.0

	if in.Segment != nil && len(in.Segment.TimeWindows) > 0 {
		if !inAnyWindow(in.Timestamp, in.Segment.TimeWindows) {
			score -= 40
		}
	}

	if in.DeviceID == "" {
		score -= 20
	}
	if in.Metadata["ip_address"] == "" {
		score -= 15
	}
	if in.Justification == "" {
		score -= 25
	}

	return clamp(score)
}

func inAnyWindow(t time.Time, windows models.TimeWindowList) bool {
	hour := t.Hour()
	day := int(t.Weekday())
	for _, w := range windows {
		if hour < w.StartHour || hour >= w.EndHour {
			continue
		}
		if len(w.Days) == 0 {
			return true
		}
		for _, d := range w.Days {
			if d == day {
				return true
			}
		}
	}
	return false
}

// anomalyScore applies frequency and IP-change heuristics over recent
// history. High request bursts and many distinct source IPs deduct.
func (e *Engine) anomalyScore(ctx context.Context, subjectID string) (float64, error) {
	hist, err := e.providers.History.GetHistory(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if hist == nil {
		return NeutralScore, nil
	}

	score := 100.0

	if hist.RequestsLastHour > 10 {
		score -= 40
	} else if hist.RequestsLastHour > 5 {
		score -= 20
	}

	if hist.DistinctIPs > 3 {
		score -= 30
	} else if hist.DistinctIPs > 1 {
		score -= 10
	}

	return clamp(score), nil
}

// contextualIntelligence blends device trust and behavioral consistency.
// This is the distinguished contextual-risk sub-score the decision engine
// inspects independently of the composite.
func (e *Engine) contextualIntelligence(ctx context.Context, in Input) (float64, error) {
	device, err := e.providers.Device.GetDeviceTrust(ctx, in.SubjectID, in.DeviceID)
	if err != nil {
		return 0, err
	}
	behavioral, err := e.providers.Behavioral.GetBehavioralScore(ctx, in.SubjectID, in.SessionContext)
	if err != nil {
		return 0, err
	}
	return clamp(device*0.5 + behavioral*0.5), nil
}

// temporalScore scores how routine the request time is: inside the segment's
// windows is best, daytime outside windows is neutral, deep night is worst.
func (e *Engine) temporalScore(in Input) float64 {
	hour := in.Timestamp.Hour()

	if in.Segment != nil && len(in.Segment.TimeWindows) > 0 {
		if inAnyWindow(in.Timestamp, in.Segment.TimeWindows) {
			return 90
		}
		return 30
	}

	switch {
	case hour >= 8 && hour < 18:
		return 85
	case hour >= 6 && hour < 22:
		return 60
	default:
		return 25
	}
}
