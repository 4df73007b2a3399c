package router

import "github.com/hybridcmd/core/internal/domain"

// Strategy is one routable execution path. Applicable reports whether
// it's even a candidate for a given analysis before it's scored.
type Strategy struct {
	Name            string
	CommandTypes    []string
	ComplexityMin   float64
	ComplexityMax   float64
	Priority        int
	RequiresFiles   bool
	RequiredActions []string
}

// Applicable filters strategies by command-type membership,
// complexity range, and requirement predicates, per spec §4.3 step 2.
func (s Strategy) Applicable(analysis domain.CommandAnalysis) bool {
	if len(s.CommandTypes) > 0 && !contains(s.CommandTypes, analysis.CommandType) {
		return false
	}
	if analysis.Complexity < s.ComplexityMin || analysis.Complexity > s.ComplexityMax {
		return false
	}
	if s.RequiresFiles && len(analysis.Requirements.Files) == 0 {
		return false
	}
	for _, action := range s.RequiredActions {
		if !contains(analysis.Requirements.Actions, action) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Dimensioner scores one Strategy against one CommandAnalysis along a
// single Dimension. Implementations may be independently fallible;
// the caller defaults a failing evaluator to 0.5.
type Dimensioner interface {
	Dimension() domain.Dimension
	Score(analysis domain.CommandAnalysis, strategy Strategy) (float64, error)
}
