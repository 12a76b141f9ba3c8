// internal/service/template_service.go
package service

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
)

// groupPattern matches an innermost alternative group like {hello|hi|hey}.
// A group must contain at least one pipe, so ordinary {placeholder} text
// passes through untouched.
var groupPattern = regexp.MustCompile(`\{([^{}]*\|[^{}]*)\}`)

// maxExpandPasses bounds expansion so malformed input (unbalanced braces,
// endless nesting) always terminates.
const maxExpandPasses = 50

// TemplateExpander resolves alternative-phrasing templates into one concrete
// message per call. Each group picks one option at random, so two recipients
// rarely get byte-identical text.
type TemplateExpander struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTemplateExpander builds an expander. Pass a fixed source in tests for
// deterministic output; nil seeds from the clock.
func NewTemplateExpander(src rand.Source) *TemplateExpander {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &TemplateExpander{rng: rand.New(src)}
}

// Expand replaces every innermost {a|b|c} group with one randomly chosen
// option, repeating until no group remains or the pass ceiling is hit.
func (e *TemplateExpander) Expand(template string) string {
	out := template
	for pass := 0; pass < maxExpandPasses; pass++ {
		if !groupPattern.MatchString(out) {
			break
		}
		out = groupPattern.ReplaceAllStringFunc(out, func(group string) string {
			options := strings.Split(group[1:len(group)-1], "|")
			e.mu.Lock()
			i := e.rng.Intn(len(options))
			e.mu.Unlock()
			return options[i]
		})
	}
	return out
}
