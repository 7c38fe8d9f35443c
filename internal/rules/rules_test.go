package rules

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsEmptyExpression(t *testing.T) {
	_, err := Compile(Definition{ID: "empty", Expression: "  "})
	require.Error(t, err)
}

func TestCompileRejectsSyntaxErrors(t *testing.T) {
	_, err := Compile(Definition{ID: "broken", Expression: "degrees >"})
	require.Error(t, err)
}

func TestRuleMatch(t *testing.T) {
	rule, err := Compile(Definition{ID: "over_lock", Expression: "abs(degrees) > 450"})
	require.NoError(t, err)

	ok, err := rule.Match(map[string]interface{}{"degrees": -500.0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rule.Match(map[string]interface{}{"degrees": 12.0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetLogsMatches(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	compiled, err := CompileAll([]Definition{
		{ID: "fast", Expression: "kmh > 100", Message: "vehicle too fast"},
		{ID: "slow", Expression: "kmh < 5"},
	})
	require.NoError(t, err)

	set := NewSet(compiled, logger)
	require.Equal(t, 2, set.Len())

	matched := set.Evaluate(map[string]interface{}{"kmh": 120.0})
	require.Equal(t, []string{"fast"}, matched)
	require.True(t, strings.Contains(buf.String(), "vehicle too fast"))
	require.True(t, strings.Contains(buf.String(), `"rule":"fast"`))
}

func TestNilSetIsInert(t *testing.T) {
	var set *Set
	require.Equal(t, 0, set.Len())
	require.Nil(t, set.Evaluate(map[string]interface{}{"kmh": 1.0}))
}
