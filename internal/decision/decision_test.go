package decision

import (
	"testing"

	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/scoring"
)

func activeSegment() *models.ResourceSegment {
	return &models.ResourceSegment{
		Name:          "prod-db",
		SecurityLevel: 2,
		IsActive:      true,
	}
}

func result(score float64) scoring.Result {
	return scoring.Result{
		Score:     score,
		Breakdown: map[string]float64{},
	}
}

func resultWithContextual(score, contextual float64) scoring.Result {
	return scoring.Result{
		Score: score,
		Breakdown: map[string]float64{
			scoring.ComponentContextualIntel: contextual,
		},
	}
}

func TestDecide_NilRuleDenies(t *testing.T) {
	e := NewEngine(DefaultThresholds())

	out := e.Decide(result(99), nil, activeSegment())
	if out.Decision != models.DecisionDenied {
		t.Errorf("decision = %v, want denied", out.Decision)
	}
	if out.Reason == "" {
		t.Error("denial must carry a reason")
	}
}

func TestDecide_InactiveSegmentDenies(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	seg := activeSegment()
	seg.IsActive = false

	out := e.Decide(result(99), &models.PolicyRule{}, seg)
	if out.Decision != models.DecisionDenied {
		t.Errorf("decision = %v, want denied", out.Decision)
	}

	out = e.Decide(result(99), &models.PolicyRule{}, nil)
	if out.Decision != models.DecisionDenied {
		t.Errorf("nil segment decision = %v, want denied", out.Decision)
	}
}

func TestDecide_ThresholdBoundaries(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	rule := &models.PolicyRule{}

	tests := []struct {
		name  string
		score float64
		want  models.Decision
	}{
		{"exactly at auto-approve", 85.0, models.DecisionGranted},
		{"just below auto-approve", 84.9, models.DecisionGrantedWithMFA},
		{"exactly at approval floor", 60.0, models.DecisionGrantedWithMFA},
		{"just below approval floor", 59.9, models.DecisionDenied},
		{"zero", 0, models.DecisionDenied},
		{"perfect", 100, models.DecisionGranted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Decide(result(tt.score), rule, activeSegment())
			if out.Decision != tt.want {
				t.Errorf("score %v: decision = %v, want %v", tt.score, out.Decision, tt.want)
			}
		})
	}
}

func TestDecide_MFABandSetsFlag(t *testing.T) {
	e := NewEngine(DefaultThresholds())

	out := e.Decide(result(70), &models.PolicyRule{}, activeSegment())
	if out.Decision != models.DecisionGrantedWithMFA {
		t.Fatalf("decision = %v, want granted_with_mfa", out.Decision)
	}
	if !out.MFA {
		t.Error("MFA flag not set in MFA band")
	}
}

func TestDecide_RuleMFAAppliesAboveAutoApprove(t *testing.T) {
	e := NewEngine(DefaultThresholds())

	out := e.Decide(result(95), &models.PolicyRule{MFARequired: true}, activeSegment())
	if out.Decision != models.DecisionGrantedWithMFA {
		t.Errorf("decision = %v, want granted_with_mfa", out.Decision)
	}
	if !out.MFA {
		t.Error("MFA flag not set when rule requires MFA")
	}
}

func TestDecide_MinConfidenceFloorOverrides(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	rule := &models.PolicyRule{MinConfidence: 90}

	out := e.Decide(result(87), rule, activeSegment())
	if out.Decision != models.DecisionDenied {
		t.Errorf("decision = %v, want denied below policy floor", out.Decision)
	}
}

func TestDecide_DualApprovalAlwaysPending(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	seg := activeSegment()
	seg.SecurityLevel = 4
	seg.RequiresDualApproval = true

	for _, score := range []float64{100, 85, 60, 59} {
		out := e.Decide(result(score), &models.PolicyRule{}, seg)
		if out.Decision != models.DecisionPendingApproval {
			t.Errorf("score %v: decision = %v, want pending_approval", score, out.Decision)
		}
	}
}

func TestDecide_ContextualRiskOverride(t *testing.T) {
	e := NewEngine(DefaultThresholds())

	// High composite but low contextual risk forces an MFA grant instead of
	// an auto-approve.
	out := e.Decide(resultWithContextual(92, 40), &models.PolicyRule{}, activeSegment())
	if out.Decision != models.DecisionGrantedWithMFA {
		t.Errorf("decision = %v, want granted_with_mfa under risk override", out.Decision)
	}

	// On a JIT segment the override escalates to approval.
	seg := activeSegment()
	seg.RequiresJIT = true
	out = e.Decide(resultWithContextual(92, 40), &models.PolicyRule{}, seg)
	if out.Decision != models.DecisionPendingApproval {
		t.Errorf("JIT decision = %v, want pending_approval under risk override", out.Decision)
	}
}

func TestDecide_JITSegmentMidBandPending(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	seg := activeSegment()
	seg.RequiresJIT = true

	out := e.Decide(result(70), &models.PolicyRule{}, seg)
	if out.Decision != models.DecisionPendingApproval {
		t.Errorf("decision = %v, want pending_approval on JIT segment", out.Decision)
	}
}

func TestDecide_CustomThresholds(t *testing.T) {
	e := NewEngine(Thresholds{AutoApprove: 95, RequireApproval: 80, ContextualRisk: 50})

	out := e.Decide(result(90), &models.PolicyRule{}, activeSegment())
	if out.Decision != models.DecisionGrantedWithMFA {
		t.Errorf("decision = %v, want granted_with_mfa with raised auto-approve", out.Decision)
	}

	out = e.Decide(result(79), &models.PolicyRule{}, activeSegment())
	if out.Decision != models.DecisionDenied {
		t.Errorf("decision = %v, want denied with raised approval floor", out.Decision)
	}
}
