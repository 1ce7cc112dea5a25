// Package policy scrubs conversation text before it is summarized and
// leaves the device.
package policy

import "regexp"

type rule struct {
	kind    string
	pattern *regexp.Regexp
}

// Order matters: secrets first, cards before phones.
var rules = []rule{
	{"SECRET", regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)},
	{"TOKEN", regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)},
	{"EMAIL", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"CARD", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"PHONE", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// Redaction reports how many spans of each kind were masked.
type Redaction struct {
	Counts map[string]int
}

func (r Redaction) Changed() bool { return len(r.Counts) > 0 }

// Redact masks secrets and common PII in input with [REDACTED_<KIND>].
func Redact(input string) (string, Redaction) {
	out := input
	res := Redaction{}
	for _, r := range rules {
		n := len(r.pattern.FindAllStringIndex(out, -1))
		if n == 0 {
			continue
		}
		out = r.pattern.ReplaceAllString(out, "[REDACTED_"+r.kind+"]")
		if res.Counts == nil {
			res.Counts = make(map[string]int)
		}
		res.Counts[r.kind] += n
	}
	return out, res
}
