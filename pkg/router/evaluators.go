package router

import "github.com/hybridcmd/core/internal/domain"

// The default evaluator set scores each dimension from the analysis
// and candidate shape alone (no external telemetry source), giving
// every strategy a deterministic baseline the learning loop then
// corrects over time via feedback-weighted samples.

type dimFunc struct {
	dim domain.Dimension
	fn  func(domain.CommandAnalysis, Strategy) (float64, error)
}

func (d dimFunc) Dimension() domain.Dimension { return d.dim }
func (d dimFunc) Score(a domain.CommandAnalysis, s Strategy) (float64, error) {
	return d.fn(a, s)
}

func defaultEvaluators() []Dimensioner {
	return []Dimensioner{
		dimFunc{domain.DimEfficiency, scoreEfficiency},
		dimFunc{domain.DimAccuracy, scoreAccuracy},
		dimFunc{domain.DimReliability, scoreReliability},
		dimFunc{domain.DimSpeed, scoreSpeed},
		dimFunc{domain.DimResourceUsage, scoreResourceUsage},
		dimFunc{domain.DimCost, scoreCost},
		dimFunc{domain.DimRisk, scoreRisk},
		dimFunc{domain.DimCompatibility, scoreCompatibility},
	}
}

func scoreEfficiency(a domain.CommandAnalysis, s Strategy) (float64, error) {
	return clamp01(0.4 + float64(s.Priority)/50.0), nil
}

func scoreAccuracy(a domain.CommandAnalysis, s Strategy) (float64, error) {
	band := s.ComplexityMax - s.ComplexityMin
	if band <= 0 {
		return 0.5, nil
	}
	mid := (s.ComplexityMin + s.ComplexityMax) / 2
	distance := abs(a.Complexity - mid)
	return clamp01(1 - distance/band), nil
}

func scoreReliability(a domain.CommandAnalysis, s Strategy) (float64, error) {
	return clamp01(0.6 + 0.4*(1-a.Complexity)), nil
}

func scoreSpeed(a domain.CommandAnalysis, s Strategy) (float64, error) {
	return clamp01(1 - a.Complexity), nil
}

func scoreResourceUsage(a domain.CommandAnalysis, s Strategy) (float64, error) {
	return clamp01(1 - 0.7*a.Complexity), nil
}

func scoreCost(a domain.CommandAnalysis, s Strategy) (float64, error) {
	return clamp01(1 - 0.5*a.Complexity), nil
}

func scoreRisk(a domain.CommandAnalysis, s Strategy) (float64, error) {
	risk := 0.3 + 0.5*a.Complexity
	if s.RequiresFiles {
		risk += 0.1
	}
	return clamp01(1 - risk), nil
}

func scoreCompatibility(a domain.CommandAnalysis, s Strategy) (float64, error) {
	if len(s.CommandTypes) == 0 {
		return 0.5, nil
	}
	matched := 0
	for _, tech := range a.Requirements.Technologies {
		if contains(s.CommandTypes, tech) {
			matched++
		}
	}
	if len(a.Requirements.Technologies) == 0 {
		return 0.7, nil
	}
	return clamp01(float64(matched) / float64(len(a.Requirements.Technologies))), nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
