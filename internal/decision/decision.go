package decision

import (
	"fmt"

	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/scoring"
)

// Default thresholds. A segment's matched rule may impose a stricter floor
// via MinConfidence.
const (
	AutoApproveThreshold     = 85.0
	RequireApprovalThreshold = 60.0
	ContextualRiskThreshold  = 50.0
)

// Thresholds override the defaults when constructed from config.
type Thresholds struct {
	AutoApprove     float64
	RequireApproval float64
	ContextualRisk  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApprove:     AutoApproveThreshold,
		RequireApproval: RequireApprovalThreshold,
		ContextualRisk:  ContextualRiskThreshold,
	}
}

// Outcome is a decision plus the specific human-readable reason. Denials
// always carry a non-empty reason.
type Outcome struct {
	Decision models.Decision `json:"decision"`
	Reason   string          `json:"reason"`
	MFA      bool            `json:"mfa_required"`
}

// Engine applies threshold policy to a confidence score. It is pure: no
// side effects, deterministic for identical inputs.
type Engine struct {
	thresholds Thresholds
}

func NewEngine(thresholds Thresholds) *Engine {
	if thresholds.AutoApprove == 0 {
		thresholds.AutoApprove = AutoApproveThreshold
	}
	if thresholds.RequireApproval == 0 {
		thresholds.RequireApproval = RequireApprovalThreshold
	}
	if thresholds.ContextualRisk == 0 {
		thresholds.ContextualRisk = ContextualRiskThreshold
	}
	return &Engine{thresholds: thresholds}
}

// Decide evaluates the ordered decision rules. rule is the matched policy
// rule; nil means no policy applied, which is a hard deny. The engine never
// grants by default.
func (e *Engine) Decide(score scoring.Result, rule *models.PolicyRule, segment *models.ResourceSegment) Outcome {
	if rule == nil {
		return Outcome{
			Decision: models.DecisionDenied,
			Reason:   "no applicable policy for this resource and role",
		}
	}
	if segment == nil || !segment.IsActive {
		return Outcome{
			Decision: models.DecisionDenied,
			Reason:   "resource segment is unknown or inactive",
		}
	}

	// The matched rule's confidence floor overrides everything else.
	if score.Score < rule.MinConfidence {
		return Outcome{
			Decision: models.DecisionDenied,
			Reason: fmt.Sprintf("confidence score %.1f below policy minimum %.1f",
				score.Score, rule.MinConfidence),
		}
	}

	// Dual approval is mandatory for high-security segments regardless of
	// score.
	if segment.RequiresDualApproval {
		return Outcome{
			Decision: models.DecisionPendingApproval,
			Reason: fmt.Sprintf("segment %q (security level %d) requires dual approval",
				segment.Name, segment.SecurityLevel),
			MFA: rule.MFARequired,
		}
	}

	contextualRisk, hasContextual := score.Breakdown[scoring.ComponentContextualIntel]
	riskOverride := hasContextual && contextualRisk < e.thresholds.ContextualRisk

	if score.Score >= e.thresholds.AutoApprove && !riskOverride {
		if rule.MFARequired {
			return Outcome{
				Decision: models.DecisionGrantedWithMFA,
				Reason:   fmt.Sprintf("confidence %.1f above auto-approve threshold; policy requires MFA", score.Score),
				MFA:      true,
			}
		}
		return Outcome{
			Decision: models.DecisionGranted,
			Reason:   fmt.Sprintf("confidence %.1f above auto-approve threshold", score.Score),
		}
	}

	if score.Score >= e.thresholds.RequireApproval || riskOverride {
		if segment.RequiresJIT {
			reason := fmt.Sprintf("confidence %.1f requires just-in-time approval for segment %q",
				score.Score, segment.Name)
			if riskOverride {
				reason = fmt.Sprintf("contextual risk score %.1f below threshold; approval required for segment %q",
					contextualRisk, segment.Name)
			}
			return Outcome{
				Decision: models.DecisionPendingApproval,
				Reason:   reason,
				MFA:      rule.MFARequired,
			}
		}
		reason := fmt.Sprintf("confidence %.1f in MFA band", score.Score)
		if riskOverride {
			reason = fmt.Sprintf("contextual risk score %.1f below threshold; MFA required", contextualRisk)
		}
		return Outcome{
			Decision: models.DecisionGrantedWithMFA,
			Reason:   reason,
			MFA:      true,
		}
	}

	return Outcome{
		Decision: models.DecisionDenied,
		Reason: fmt.Sprintf("confidence score %.1f below approval threshold %.1f",
			score.Score, e.thresholds.RequireApproval),
	}
}
