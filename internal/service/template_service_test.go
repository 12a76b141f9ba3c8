package service

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandNoGroupsUnchanged(t *testing.T) {
	e := NewTemplateExpander(rand.NewSource(1))

	for _, tpl := range []string{
		"",
		"hello world",
		"hi {first_name}, your order shipped", // placeholder without pipe is not a group
		"weird {but|no, wait",
		"closing } only",
	} {
		assert.Equal(t, tpl, e.Expand(tpl), "template %q should pass through", tpl)
	}
}

func TestExpandSingleGroup(t *testing.T) {
	e := NewTemplateExpander(rand.NewSource(42))
	expected := map[string]bool{
		"hello there": false,
		"hi there":    false,
		"hey there":   false,
	}

	for i := 0; i < 200; i++ {
		out := e.Expand("{hello|hi|hey} there")
		_, ok := expected[out]
		require.True(t, ok, "unexpected expansion %q", out)
		expected[out] = true
	}
	// Non-degenerate: every option shows up eventually.
	for out, seen := range expected {
		assert.True(t, seen, "option %q never produced", out)
	}
}

func TestExpandNestedGroups(t *testing.T) {
	e := NewTemplateExpander(rand.NewSource(7))
	valid := map[string]bool{"a": true, "b": true, "c": true}

	for i := 0; i < 100; i++ {
		out := e.Expand("{a|{b|c}}")
		assert.True(t, valid[out], "unexpected expansion %q", out)
	}
}

func TestExpandTerminatesOnPathologicalInput(t *testing.T) {
	e := NewTemplateExpander(rand.NewSource(3))

	for _, tpl := range []string{
		"{{{",
		"}}}",
		"{a|b",
		"a|b}",
		"{|}",
		"{{a|b}", // unbalanced outer brace
	} {
		// Must return within the pass ceiling, whatever the result.
		_ = e.Expand(tpl)
	}
}

func TestExpandEmptyOptions(t *testing.T) {
	e := NewTemplateExpander(rand.NewSource(9))
	out := e.Expand("x{|}y")
	assert.Equal(t, "xy", out)
}

func TestExpandUnicodeGroup(t *testing.T) {
	e := NewTemplateExpander(rand.NewSource(11))
	valid := map[string]bool{
		"مرحبا بك": true,
		"اهلا بك":  true,
	}

	for i := 0; i < 100; i++ {
		out := e.Expand("{مرحبا|اهلا} بك")
		require.True(t, valid[out], "unexpected expansion %q", out)
	}
}

func TestExpandDeterministicWithSeed(t *testing.T) {
	a := NewTemplateExpander(rand.NewSource(1234))
	b := NewTemplateExpander(rand.NewSource(1234))

	tpl := "{a|b|c} {1|2|3} {x|y}"
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.Expand(tpl), b.Expand(tpl))
	}
}
