package job

import "fmt"

// Stage identifies a step of the analysis pipeline. StageQueued is the
// pre-pipeline stage; the four analysis stages always run in the order
// Verifying → Analyzing → RiskAssessing → Recommending.
type Stage string

const (
	StageQueued        Stage = "queued"
	StageVerifying     Stage = "verifying"
	StageAnalyzing     Stage = "analyzing"
	StageRiskAssessing Stage = "risk_assessing"
	StageRecommending  Stage = "recommending"
)

// Pipeline returns the four analysis stages in execution order.
func Pipeline() []Stage {
	return []Stage{StageVerifying, StageAnalyzing, StageRiskAssessing, StageRecommending}
}

// sections maps each analysis stage to its named section of the merged
// result. The names match the payload keys of the original service.
var sections = map[Stage]string{
	StageVerifying:     "verification",
	StageAnalyzing:     "analysis",
	StageRiskAssessing: "risk",
	StageRecommending:  "recommendation",
}

// ordinals gives the forward ordering used to reject stage regressions.
var ordinals = map[Stage]int{
	StageQueued:        0,
	StageVerifying:     1,
	StageAnalyzing:     2,
	StageRiskAssessing: 3,
	StageRecommending:  4,
}

// Next returns the stage that follows s in the pipeline, or "" when s is
// the last stage.
func (s Stage) Next() Stage {
	switch s {
	case StageQueued:
		return StageVerifying
	case StageVerifying:
		return StageAnalyzing
	case StageAnalyzing:
		return StageRiskAssessing
	case StageRiskAssessing:
		return StageRecommending
	default:
		return ""
	}
}

// Section returns the result section name contributed by this stage.
// Returns "" for StageQueued.
func (s Stage) Section() string {
	return sections[s]
}

// Ordinal returns the stage's position in the pipeline, with StageQueued
// at zero. Unknown stages return -1.
func (s Stage) Ordinal() int {
	if o, ok := ordinals[s]; ok {
		return o
	}
	return -1
}

// Before reports whether s precedes other in pipeline order.
func (s Stage) Before(other Stage) bool {
	return s.Ordinal() < other.Ordinal()
}

// ParseStage validates a stage string.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if _, ok := ordinals[st]; !ok {
		return "", fmt.Errorf("job: unknown stage %q", s)
	}
	return st, nil
}
