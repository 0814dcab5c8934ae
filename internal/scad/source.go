// Package scad provides text utilities for generated OpenSCAD source:
// cleaning model output, extracting and updating declared parameters, and the
// static well-formedness checks the logical inspection strategy relies on.
package scad

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

var (
	fenceRe = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")
	paramRe = regexp.MustCompile(`(?m)^\s*([A-Za-z_]\w*)\s*=\s*(-?\d+(?:\.\d+)?)\s*;\s*(?://.*)?$`)
)

// Clean strips markdown code fences and surrounding whitespace from model
// output. Agents are prompted for bare source but fenced replies are common.
func Clean(src string) string {
	src = fenceRe.ReplaceAllString(src, "")
	return strings.TrimSpace(src)
}

// ExtractParameters returns the numeric `name = value;` declarations in
// declaration order. These are the values the GUI exposes as sliders.
func ExtractParameters(src string) []model.Parameter {
	matches := paramRe.FindAllStringSubmatch(src, -1)
	params := make([]model.Parameter, 0, len(matches))
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		params = append(params, model.Parameter{Name: m[1], Value: value})
	}
	return params
}

// StripParameters removes numeric `name = value;` declarations from the
// source. The assembler hoists every part's parameters into one shared block,
// so leaving the originals in place would shadow the merged values.
func StripParameters(src string) string {
	stripped := paramRe.ReplaceAllString(src, "")
	collapsed := regexp.MustCompile(`\n{3,}`).ReplaceAllString(stripped, "\n\n")
	return strings.TrimSpace(collapsed)
}

// UpdateParameter rewrites the declaration of name to the new value, leaving
// the rest of the source untouched. Returns the source unchanged when the
// parameter is not declared.
func UpdateParameter(src, name string, value float64) string {
	re := regexp.MustCompile(`(?m)^(\s*` + regexp.QuoteMeta(name) + `\s*=\s*)-?\d+(?:\.\d+)?(\s*;)`)
	return re.ReplaceAllString(src, "${1}"+strconv.FormatFloat(value, 'f', -1, 64)+"${2}")
}

// HasModule reports whether the source declares `module name(`.
func HasModule(src, name string) bool {
	re := regexp.MustCompile(`(?m)^\s*module\s+` + regexp.QuoteMeta(name) + `\s*\(`)
	return re.MatchString(src)
}

// BalancedBraces reports whether braces, brackets and parentheses pair up,
// ignoring comments and string literals.
func BalancedBraces(src string) bool {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	inLineComment, inBlockComment, inString := false, false, false
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inLineComment:
			if c == '\n' {
				inLineComment = false
			}
		case inBlockComment:
			if c == '*' && i+1 < len(runes) && runes[i+1] == '/' {
				inBlockComment = false
				i++
			}
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '/' && i+1 < len(runes) && runes[i+1] == '/':
			inLineComment = true
			i++
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			inBlockComment = true
			i++
		case c == '"':
			inString = true
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, c)
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0 && !inBlockComment && !inString
}

// Sanity limits for parameter values, in millimeters. Values outside these
// bounds are almost always a generation mistake rather than intent.
const (
	MaxDimension = 10000.0
	MinDimension = 0.1
)

// CheckParameters returns warning findings for suspicious parameter values:
// negative dimensions and values beyond the sane size range.
func CheckParameters(params []model.Parameter, partID string) []model.Finding {
	var findings []model.Finding
	for _, p := range params {
		lower := strings.ToLower(p.Name)
		if p.Value < 0 && !strings.Contains(lower, "angle") && !strings.Contains(lower, "offset") {
			findings = append(findings, model.Finding{
				Severity:    model.SeverityWarning,
				Description: fmt.Sprintf("parameter %s has negative value %g", p.Name, p.Value),
				PartID:      partID,
			})
			continue
		}
		if abs(p.Value) > MaxDimension {
			findings = append(findings, model.Finding{
				Severity:    model.SeverityWarning,
				Description: fmt.Sprintf("parameter %s value %g exceeds %g mm", p.Name, p.Value, MaxDimension),
				PartID:      partID,
			})
		}
	}
	return findings
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
