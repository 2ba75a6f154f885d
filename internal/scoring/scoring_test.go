package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/models"
)

type failingHistory struct{}

func (failingHistory) GetHistory(ctx context.Context, subjectID string) (*HistorySummary, error) {
	return nil, errors.New("history service unavailable")
}

type failingDevice struct{}

func (failingDevice) GetDeviceTrust(ctx context.Context, subjectID, deviceID string) (float64, error) {
	return 0, errors.New("device service unavailable")
}

func testSegment(roles ...string) *models.ResourceSegment {
	return &models.ResourceSegment{
		ID:            uuid.New(),
		Name:          "prod-db",
		ResourceType:  "database",
		SecurityLevel: 3,
		AllowedRoles:  roles,
		IsActive:      true,
	}
}

func testInput(seg *models.ResourceSegment) Input {
	return Input{
		SubjectID:     "user-1",
		Role:          models.RoleFaculty,
		Department:    "engineering",
		DeviceID:      "device-1",
		Segment:       seg,
		Justification: "Investigating incident INC-4211, need to review replication lag on the primary",
		Timestamp:     time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
		Metadata:      map[string]string{"ip_address": "10.0.0.4"},
	}
}

func TestScoreStandard_Deterministic(t *testing.T) {
	e := NewEngine(NeutralProviders(), nil)
	in := testInput(testSegment("faculty", "staff"))

	// Bit-identical scores on repeat: the weighted sum must not depend on
	// map iteration order, or boundary scores flip decisions across calls.
	first := e.ScoreStandard(context.Background(), in)
	firstJIT := e.ScoreJIT(context.Background(), in)
	for i := 0; i < 100; i++ {
		if got := e.ScoreStandard(context.Background(), in); got.Score != first.Score {
			t.Fatalf("standard score not deterministic: %v vs %v", got.Score, first.Score)
		}
		if got := e.ScoreJIT(context.Background(), in); got.Score != firstJIT.Score {
			t.Fatalf("jit score not deterministic: %v vs %v", got.Score, firstJIT.Score)
		}
	}

	if first.Score < 0 || first.Score > 100 {
		t.Errorf("score out of range: %v", first.Score)
	}
	if len(first.Errors) != 0 {
		t.Errorf("unexpected component errors: %v", first.Errors)
	}
}

func TestCombine_FixedSummationOrder(t *testing.T) {
	breakdown := map[string]float64{
		ComponentRoleMatch:       90.7,
		ComponentIntentClarity:   40.3,
		ComponentHistorical:      65.1,
		ComponentContextValidity: 77.7,
		ComponentAnomaly:         30.9,
		ComponentContextualIntel: 58.3,
	}
	first := combine(breakdown, StandardWeights())
	for i := 0; i < 1000; i++ {
		if got := combine(breakdown, StandardWeights()); got != first {
			t.Fatalf("combine not deterministic: %v vs %v", got, first)
		}
	}
}

func TestScoreStandard_BreakdownComponents(t *testing.T) {
	e := NewEngine(NeutralProviders(), nil)
	r := e.ScoreStandard(context.Background(), testInput(testSegment("faculty")))

	want := []string{
		ComponentRoleMatch,
		ComponentIntentClarity,
		ComponentHistorical,
		ComponentContextValidity,
		ComponentAnomaly,
		ComponentContextualIntel,
	}
	for _, name := range want {
		if _, ok := r.Breakdown[name]; !ok {
			t.Errorf("breakdown missing component %q", name)
		}
	}
	if len(r.Breakdown) != len(want) {
		t.Errorf("breakdown has %d components, want %d", len(r.Breakdown), len(want))
	}
}

func TestScoreJIT_BreakdownComponents(t *testing.T) {
	e := NewEngine(NeutralProviders(), nil)
	r := e.ScoreJIT(context.Background(), testInput(testSegment("faculty")))

	want := []string{
		ComponentDeviceTrust,
		ComponentBehavioral,
		ComponentPeer,
		ComponentTemporal,
		ComponentHistorical,
		ComponentJustQuality,
	}
	for _, name := range want {
		if _, ok := r.Breakdown[name]; !ok {
			t.Errorf("breakdown missing component %q", name)
		}
	}
}

func TestWeights_SumToOne(t *testing.T) {
	for name, w := range map[string]Weights{"standard": StandardWeights(), "jit": JITWeights()} {
		var sum float64
		for _, v := range w {
			sum += v
		}
		if sum < 0.999 || sum > 1.001 {
			t.Errorf("%s weights sum to %v, want 1.0", name, sum)
		}
	}
}

func TestScoreStandard_ProviderFailureDegradesToNeutral(t *testing.T) {
	providers := NeutralProviders()
	providers.History = failingHistory{}
	e := NewEngine(providers, nil)

	r := e.ScoreStandard(context.Background(), testInput(testSegment("faculty")))

	if r.Breakdown[ComponentHistorical] != NeutralScore {
		t.Errorf("historical component = %v, want neutral %v", r.Breakdown[ComponentHistorical], NeutralScore)
	}
	if r.Breakdown[ComponentAnomaly] != NeutralScore {
		t.Errorf("anomaly component = %v, want neutral %v", r.Breakdown[ComponentAnomaly], NeutralScore)
	}
	if _, ok := r.Errors[ComponentHistorical]; !ok {
		t.Error("expected component error recorded for historical_pattern")
	}
	if r.Score <= 0 {
		t.Errorf("score should still be produced, got %v", r.Score)
	}
}

func TestScoreJIT_DeviceFailureDegradesToNeutral(t *testing.T) {
	providers := NeutralProviders()
	providers.Device = failingDevice{}
	e := NewEngine(providers, nil)

	r := e.ScoreJIT(context.Background(), testInput(testSegment("faculty")))
	if r.Breakdown[ComponentDeviceTrust] != NeutralScore {
		t.Errorf("device component = %v, want neutral %v", r.Breakdown[ComponentDeviceTrust], NeutralScore)
	}
}

func TestRoleMatch(t *testing.T) {
	e := NewEngine(NeutralProviders(), nil)

	tests := []struct {
		name string
		in   Input
		want float64
	}{
		{"role in allow list", Input{Role: models.RoleFaculty, Segment: testSegment("faculty", "staff")}, 90},
		{"role not in allow list", Input{Role: models.RoleStudent, Segment: testSegment("faculty")}, 10},
		{"admin bonus", Input{Role: models.RoleAdmin, Segment: testSegment("admin")}, 100},
		{"no segment neutral", Input{Role: models.RoleFaculty}, NeutralScore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.roleMatch(tt.in); got != tt.want {
				t.Errorf("roleMatch = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJustificationQuality(t *testing.T) {
	empty := justificationQuality("")
	vague := justificationQuality("need access")
	specific := justificationQuality("Investigating incident INC-4211 per ticket, need to review and debug replication lag before the maintenance window closes tonight")

	if empty != 10 {
		t.Errorf("empty justification = %v, want 10", empty)
	}
	if vague <= empty {
		t.Errorf("vague (%v) should beat empty (%v)", vague, empty)
	}
	if specific <= vague {
		t.Errorf("specific (%v) should beat vague (%v)", specific, vague)
	}
	if specific > 100 {
		t.Errorf("score exceeds 100: %v", specific)
	}
}

func TestHistoricalPattern(t *testing.T) {
	tests := []struct {
		name string
		hist HistorySummary
		want float64
	}{
		{"no history is neutral", HistorySummary{}, NeutralScore},
		{"perfect record with bonus", HistorySummary{TotalRequests: 10, ApprovedRequests: 10}, 100},
		{"half approved small sample", HistorySummary{TotalRequests: 2, ApprovedRequests: 1}, 50},
		{"recent denials deduct", HistorySummary{TotalRequests: 10, ApprovedRequests: 10, RecentDenials: 2}, 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			providers := NeutralProviders()
			providers.History = StaticHistory(tt.hist)
			e := NewEngine(providers, nil)

			got, err := e.historicalPattern(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("historicalPattern = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnomalyScore(t *testing.T) {
	tests := []struct {
		name string
		hist HistorySummary
		want float64
	}{
		{"quiet history", HistorySummary{}, 100},
		{"burst of requests", HistorySummary{RequestsLastHour: 11}, 60},
		{"moderate burst", HistorySummary{RequestsLastHour: 6}, 80},
		{"many source ips", HistorySummary{DistinctIPs: 4}, 70},
		{"burst and ips", HistorySummary{RequestsLastHour: 11, DistinctIPs: 4}, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			providers := NeutralProviders()
			providers.History = StaticHistory(tt.hist)
			e := NewEngine(providers, nil)

			got, err := e.anomalyScore(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("anomalyScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInAnyWindow(t *testing.T) {
	windows := models.TimeWindowList{
		{StartHour: 9, EndHour: 17, Days: []int{1, 2, 3, 4, 5}},
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday inside hours", time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC), true},  // Wednesday
		{"weekday before hours", time.Date(2025, 3, 12, 8, 59, 0, 0, time.UTC), false},
		{"weekday at end hour", time.Date(2025, 3, 12, 17, 0, 0, 0, time.UTC), false},
		{"weekend inside hours", time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC), false}, // Saturday
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inAnyWindow(tt.at, windows); got != tt.want {
				t.Errorf("inAnyWindow = %v, want %v", got, tt.want)
			}
		})
	}

	anyDay := models.TimeWindowList{{StartHour: 0, EndHour: 24}}
	if !inAnyWindow(time.Date(2025, 3, 15, 3, 0, 0, 0, time.UTC), anyDay) {
		t.Error("window with no days should match every day")
	}
}

func TestTemporalScore(t *testing.T) {
	e := NewEngine(NeutralProviders(), nil)

	tests := []struct {
		name string
		hour int
		want float64
	}{
		{"business hours", 10, 85},
		{"evening", 20, 60},
		{"deep night", 3, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{Timestamp: time.Date(2025, 3, 12, tt.hour, 0, 0, 0, time.UTC)}
			if got := e.temporalScore(in); got != tt.want {
				t.Errorf("temporalScore = %v, want %v", got, tt.want)
			}
		})
	}
}
