package analysis

import "fmt"

// Kind classifies a policy violation.
type Kind string

const (
	KindForbiddenCall   Kind = "forbidden-call"
	KindForbiddenImport Kind = "forbidden-import"
	KindObfuscation     Kind = "obfuscation-pattern"
	KindSizeExceeded    Kind = "size-exceeded"
	KindSyntaxError     Kind = "syntax-error"
	KindResourceAbuse   Kind = "resource-abuse"
)

// Violation is a single reason a submission was blocked.
// Line and Column are 1-based; zero means the position is unknown.
type Violation struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("%s at %d:%d: %s", v.Kind, v.Line, v.Column, v.Detail)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// Verdict is the analyzer's decision for one submission.
type Verdict struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations"`
}

// newVerdict is the only constructor, so Allowed always agrees with Violations.
func newVerdict(violations []Violation) Verdict {
	if violations == nil {
		violations = []Violation{}
	}
	return Verdict{
		Allowed:    len(violations) == 0,
		Violations: violations,
	}
}

// Has reports whether the verdict carries at least one violation of kind k.
func (v Verdict) Has(k Kind) bool {
	for _, viol := range v.Violations {
		if viol.Kind == k {
			return true
		}
	}
	return false
}

// Kinds returns the distinct violation kinds in first-seen order.
func (v Verdict) Kinds() []Kind {
	seen := make(map[Kind]struct{}, len(v.Violations))
	var kinds []Kind
	for _, viol := range v.Violations {
		if _, ok := seen[viol.Kind]; ok {
			continue
		}
		seen[viol.Kind] = struct{}{}
		kinds = append(kinds, viol.Kind)
	}
	return kinds
}
