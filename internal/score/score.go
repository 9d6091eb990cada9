// Package score computes the composite scan score. Per spec.md §4.7/§9,
// the combination rule between quiz percentage and vulnerability count is
// deliberately left to an external domain model; this package only ever
// exposes the raw inputs plus the well-defined pieces (quiz percentage,
// final score from quiz percentage alone, and the qualitative grade).
package score

import (
	"math"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

// Result is the full set of scoring inputs and outputs carried on
// scan:completed, so the persistence collaborator can recompute a
// composite without this package guessing the formula.
type Result struct {
	QuizPointsEarned    float64
	QuizPointsPossible  float64
	QuizPct             float64
	FinalScore          int
	Grade               model.Grade
	VulnerabilityCount  int
}

// Compute derives Result from the quiz points earned/possible and the
// count of distinct vulnerabilities found. possible == 0 defaults to 100
// before computing the percentage.
func Compute(earned, possible float64, vulnCount int) Result {
	if possible == 0 {
		possible = 100
	}
	pct := 0.0
	if possible > 0 {
		pct = earned / possible
	}
	final := int(math.Round(100 * pct))

	return Result{
		QuizPointsEarned:   earned,
		QuizPointsPossible: possible,
		QuizPct:            pct,
		FinalScore:         final,
		Grade:              gradeFor(final),
		VulnerabilityCount: vulnCount,
	}
}

// gradeFor buckets a final score per spec.md's monotonic thresholds.
func gradeFor(finalScore int) model.Grade {
	switch {
	case finalScore >= 90:
		return model.GradeExcelente
	case finalScore >= 75:
		return model.GradeBueno
	case finalScore >= 60:
		return model.GradeRegular
	case finalScore >= 40:
		return model.GradeDeficiente
	default:
		return model.GradeCritico
	}
}
