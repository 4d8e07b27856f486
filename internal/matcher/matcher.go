// Package matcher holds the comparison run inside a worker for one chunk.
package matcher

import (
	"math"

	"github.com/andresmejia3/identity/internal/types"
	"github.com/andresmejia3/identity/internal/utils"
)

// Task is one chunk of comparison work.
type Task struct {
	Probe     types.Template
	Templates []types.Template
	Start     int // inclusive
	End       int // inclusive

	// Stopped reports whether the orchestrator asked to abandon the chunk.
	Stopped func() bool
	// Correct reports a template that must be replaced (or removed when data is nil).
	Correct func(index int, data types.Template)
}

// Matcher compares a probe against a chunk and returns the match, if any.
type Matcher interface {
	Match(t Task) *types.Match
}

// Func adapts a plain function to Matcher.
type Func func(t Task) *types.Match

func (f Func) Match(t Task) *types.Match { return f(t) }

// Cosine matches by cosine distance. The closest template under Threshold wins
// and is reported with confidence 1 - distance.
type Cosine struct {
	Threshold float64
}

func (c Cosine) Match(t Task) *types.Match {
	var best *types.Match
	minDist := c.Threshold
	for i := t.Start; i <= t.End && i < len(t.Templates); i++ {
		if t.Stopped != nil && t.Stopped() {
			break
		}
		tpl := t.Templates[i]
		if !usable(tpl) {
			if t.Correct != nil {
				t.Correct(i, nil)
			}
			continue
		}
		// A dimension mismatch says nothing about the template; it just cannot match.
		if len(tpl) != len(t.Probe) {
			continue
		}
		dist := utils.CosineDist(t.Probe, tpl)
		if dist < minDist {
			minDist = dist
			best = &types.Match{Index: i, Confidence: 1 - dist}
		}
	}
	return best
}

// usable reports whether tpl itself is sound: non-empty and finite.
func usable(tpl types.Template) bool {
	if len(tpl) == 0 {
		return false
	}
	for _, v := range tpl {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
