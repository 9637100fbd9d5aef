package builtins

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuiltinsWithIO(t *testing.T) {
	funcs := Builtins(true)
	assert.Len(t, funcs, 9)
	assert.True(t, contains(funcs, "io.open"))
	assert.True(t, contains(funcs, "json.encode"))
}

func TestBuiltinsWithoutIO(t *testing.T) {
	funcs := Builtins(false)
	assert.Len(t, funcs, 4)
	for _, f := range funcs {
		assert.False(t, f.IOOnly)
	}
	assert.False(t, contains(funcs, "io.open"))
	names := names(funcs)
	assert.ElementsMatch(t, []string{"json.encode", "json.decode", "print", "os.clock"}, names)
}

func TestAllAnnotationsNonEmptyAndMentionFunction(t *testing.T) {
	for _, f := range Builtins(true) {
		assert.NotEmpty(t, f.Annotation, "%s has empty annotation", f.Name)
		assert.True(t, strings.Contains(f.Annotation, "function"), "%s annotation missing function keyword", f.Name)
	}
}

func TestDescriptionNonEmpty(t *testing.T) {
	assert.NotEmpty(t, Description())
}

func contains(funcs []Function, name string) bool {
	for _, f := range funcs {
		if f.Name == name {
			return true
		}
	}
	return false
}

func names(funcs []Function) []string {
	out := make([]string, len(funcs))
	for i, f := range funcs {
		out[i] = f.Name
	}
	return out
}
