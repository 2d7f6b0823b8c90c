package calibration

import (
	"math"
)

// ApplyEffectiveNFloor bounds a confidence by what the effective sample
// size supports. Two ceilings apply: the highest ladder rung whose
// threshold the effectiveN meets, and the smooth ceiling 1 − exp(−n/n0).
// The tighter one wins; the confidence itself is returned when it already
// sits below both.
func (e *Engine) ApplyEffectiveNFloor(confidence, effectiveN float64) float64 {
	if effectiveN < 0 {
		effectiveN = 0
	}

	ladder := e.config.BaseMaxConfidence
	for _, f := range e.config.Floors {
		if effectiveN >= f.MinEffectiveN && f.MaxConfidence > ladder {
			ladder = f.MaxConfidence
		}
	}

	smooth := 1 - math.Exp(-effectiveN/e.config.FloorN0)

	ceiling := math.Min(ladder, smooth)
	return clampUnit(math.Min(confidence, ceiling))
}

// EffectiveN computes the Kish effective sample size of a weight set:
// (Σw)² / Σw². Equal weights give back the raw count; concentrated weights
// shrink it toward 1. Non-positive weights are ignored.
func EffectiveN(weights []float64) float64 {
	sum, sumSq := 0.0, 0.0
	for _, w := range weights {
		if w <= 0 {
			continue
		}
		sum += w
		sumSq += w * w
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / sumSq
}
