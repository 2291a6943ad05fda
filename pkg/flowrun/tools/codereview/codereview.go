// Package codereview provides the tools of the code-review demo workflow:
// extract functions, score complexity, detect issues, suggest improvements,
// looping back to detection until the quality score is high enough.
//
// The tools are deterministic so that runs are reproducible.
package codereview

import (
	"regexp"
	"strings"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
)

// Tool names.
const (
	ExtractFunctions    = "extract_functions"
	CheckComplexity     = "check_complexity"
	DetectIssues        = "detect_issues"
	SuggestImprovements = "suggest_improvements"
)

// QualityCondition is the loop condition of the demo graph.
const QualityCondition = "state.get('quality_score', 0) < 8"

// Issue descriptions reported by DetectIssuesTool.
const (
	IssueTooLong     = "Function too long"
	IssuePrint       = "Uses print() instead of logging"
	IssueTooMany     = "Too many lines in function"
	IssueIndentation = "Poor or missing indentation"
)

var improvements = []string{
	"\n# Refactored for better readability",
	"\n# Added error handling",
	"\n# Optimized algorithm",
	"\n# Added documentation",
	"\n# Fixed code smells",
}

var funcDef = regexp.MustCompile(`(?m)\bdef\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// Register adds the four code-review tools to reg.
func Register(reg *tool.Registry) {
	reg.Register(ExtractFunctions, ExtractFunctionsTool,
		tool.WithDescription("Extracts function definitions from state['code']."))
	reg.Register(CheckComplexity, CheckComplexityTool,
		tool.WithDescription("Scores complexity from the length of state['code']."))
	reg.Register(DetectIssues, DetectIssuesTool,
		tool.WithDescription("Detects code smells and counts review iterations."))
	reg.Register(SuggestImprovements, SuggestImprovementsTool,
		tool.WithDescription("Computes a 0-10 quality score and applies an improvement."))
}

// Graph returns the demo graph: extract -> complexity -> detect -> suggest,
// with suggest looping back to detect while the quality score is below 8.
func Graph() model.Graph {
	return model.Graph{
		Name:      "code-review",
		StartNode: "extract",
		Nodes: []model.Node{
			{ID: "extract", Tool: ExtractFunctions},
			{ID: "complexity", Tool: CheckComplexity},
			{ID: "detect", Tool: DetectIssues},
			{ID: "suggest", Tool: SuggestImprovements},
		},
		Edges: []model.Edge{
			{FromNode: "extract", ToNode: "complexity"},
			{FromNode: "complexity", ToNode: "detect"},
			{FromNode: "detect", ToNode: "suggest"},
			{FromNode: "suggest", ToNode: "detect", Condition: QualityCondition},
		},
	}
}

// ExtractFunctionsTool lists the functions defined in state["code"].
func ExtractFunctionsTool(_ tool.Context, state map[string]any) (map[string]any, error) {
	code := stringValue(state, "code")

	functions := []any{}
	for _, m := range funcDef.FindAllStringSubmatch(code, -1) {
		functions = append(functions, m[1])
	}
	return map[string]any{
		"function_count": len(functions),
		"functions":      functions,
	}, nil
}

// CheckComplexityTool scores complexity as one point per hundred characters.
func CheckComplexityTool(_ tool.Context, state map[string]any) (map[string]any, error) {
	code := stringValue(state, "code")
	return map[string]any{"complexity_score": float64(len(code)) / 100}, nil
}

// DetectIssuesTool reports issues found in state["code"]. On later passes it
// drops up to two previously reported issues to model fixes being applied.
func DetectIssuesTool(ctx tool.Context, state map[string]any) (map[string]any, error) {
	code := stringValue(state, "code")
	iteration := intValue(state, "iteration")

	var found []any
	if len(code) > 200 {
		found = append(found, IssueTooLong)
	}
	if strings.Contains(code, "print(") {
		found = append(found, IssuePrint)
	}
	if strings.Count(code, "\n") > 20 {
		found = append(found, IssueTooMany)
	}
	if !strings.Contains(code, "    ") && !strings.Contains(code, "\t") && len(code) > 50 {
		found = append(found, IssueIndentation)
	}

	previous, _ := state["issues"].([]any)
	if iteration > 0 {
		previous = previous[:max(0, len(previous)-2)]
	}

	issues := make([]any, 0, len(previous)+len(found))
	issues = append(issues, previous...)
	issues = append(issues, found...)

	ctx.Logger().Debug("issues detected", "issue_count", len(issues), "pass", iteration+1)
	return map[string]any{
		"issues":      issues,
		"issue_count": len(issues),
		"iteration":   iteration + 1,
	}, nil
}

// SuggestImprovementsTool computes the quality score and appends one
// improvement note per iteration.
//
// quality = 10 - 1.5*issue_count - 0.2*complexity_score, clamped to [0, 10].
func SuggestImprovementsTool(_ tool.Context, state map[string]any) (map[string]any, error) {
	issueCount := floatValue(state, "issue_count")
	complexity := floatValue(state, "complexity_score")
	iteration := intValue(state, "iteration")

	quality := min(10, max(0, 10-issueCount*1.5-complexity*0.2))

	code := stringValue(state, "code")
	if iteration > 0 && iteration <= len(improvements) {
		code += improvements[iteration-1]
	}
	if iteration > 2 {
		code = strings.ReplaceAll(code, "print(", "logger.info(")
	}

	return map[string]any{
		"quality_score":        quality,
		"code":                 code,
		"improvements_applied": iteration,
	}, nil
}

func stringValue(state map[string]any, key string) string {
	s, _ := state[key].(string)
	return s
}

// floatValue reads a number that may have been widened to float64 by a
// JSON round trip.
func floatValue(state map[string]any, key string) float64 {
	switch v := state[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func intValue(state map[string]any, key string) int {
	return int(floatValue(state, key))
}
