package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUndent(t *testing.T) {
	t.Run("empty string", runUndent(``, ``))

	t.Run("leading newline is dropped", runUndent("\n\t\tfoo\n\t\tbar\n", "foo\nbar\n"))

	t.Run("closing quote may sit at code level", runUndent("\n\t\tfoo\n\t\tbar\n\t", "foo\nbar\n"))

	t.Run("no trailing newline", runUndent("\n\t\tfoo\n\t\tbar", "foo\nbar"))

	t.Run("empty lines are preserved", runUndent("\t\tfoo\n\n\t\tbar\n", "foo\n\nbar\n"))

	t.Run("relative indentation is preserved", runUndent("\n\t\trotation:\n\t\t  enabled: true\n\t", "rotation:\n  enabled: true\n"))

	t.Run("unindented input passes through", runUndent("foo\nbar", "foo\nbar"))
}

func runUndent(given, expected string) func(t *testing.T) {
	return func(t *testing.T) {
		t.Helper()
		assert.Equal(t, expected, Undent(given))
	}
}
