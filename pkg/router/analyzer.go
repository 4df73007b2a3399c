// Package router implements the SmartRouter pipeline described in
// spec.md §4.3: context analysis, multi-dimensional strategy
// evaluation, ranking, confidence scoring, and the learning loop that
// feeds back into future routing decisions.
package router

import (
	"regexp"
	"strings"

	"github.com/hybridcmd/core/internal/domain"
)

// ContextAnalyzer extracts a CommandAnalysis from a raw command
// string. It's a pure function over its keyword tables, grounded on
// the lightweight heuristics a command-line router can run inline
// without an external NLU service.
type ContextAnalyzer struct {
	technologyKeywords map[string]string
	actionVerbs        map[string]string
}

// NewContextAnalyzer builds an analyzer with the default keyword
// tables.
func NewContextAnalyzer() *ContextAnalyzer {
	return &ContextAnalyzer{
		technologyKeywords: map[string]string{
			"go": "go", "golang": "go", "python": "python", "py": "python",
			"docker": "docker", "kubernetes": "kubernetes", "k8s": "kubernetes",
			"react": "react", "sql": "sql", "postgres": "postgres",
		},
		actionVerbs: map[string]string{
			"test": "test", "build": "build", "deploy": "deploy",
			"fix": "fix", "refactor": "refactor", "analyze": "analyze",
			"generate": "generate", "review": "review",
		},
	}
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_\-\.]+`)

// Analyze extracts {commandType, intent, complexity, tokens,
// requirements, semantics} from a raw command string.
func (a *ContextAnalyzer) Analyze(command string) domain.CommandAnalysis {
	lower := strings.ToLower(command)
	tokens := tokenPattern.FindAllString(lower, -1)

	req := domain.Requirements{}
	seenTech := make(map[string]bool)
	seenAction := make(map[string]bool)
	for _, tok := range tokens {
		if tech, ok := a.technologyKeywords[tok]; ok && !seenTech[tech] {
			seenTech[tech] = true
			req.Technologies = append(req.Technologies, tech)
		}
		if action, ok := a.actionVerbs[tok]; ok && !seenAction[action] {
			seenAction[action] = true
			req.Actions = append(req.Actions, action)
		}
		if strings.Contains(tok, ".") || strings.Contains(tok, "/") {
			req.Files = append(req.Files, tok)
		}
	}

	commandType := "generic"
	intent := "unknown"
	if len(req.Actions) > 0 {
		commandType = req.Actions[0]
		intent = req.Actions[0]
	}

	complexity := estimateComplexity(tokens, req)

	return domain.CommandAnalysis{
		CommandType:  commandType,
		Intent:       intent,
		Complexity:   complexity,
		Tokens:       tokens,
		Requirements: req,
		Semantics:    map[string]interface{}{"token_count": len(tokens)},
	}
}

// estimateComplexity blends token count, requirement breadth, and
// file-path depth into a [0,1] score.
func estimateComplexity(tokens []string, req domain.Requirements) float64 {
	lengthScore := clamp01(float64(len(tokens)) / 40.0)
	breadthScore := clamp01(float64(len(req.Technologies)+len(req.Actions)) / 6.0)
	fileScore := clamp01(float64(len(req.Files)) / 8.0)
	score := 0.5*lengthScore + 0.3*breadthScore + 0.2*fileScore
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
