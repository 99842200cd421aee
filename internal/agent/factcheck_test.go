package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReport(t *testing.T) {
	rep, err := ParseReport(`{"has_errors": true, "errors": ["maxmemory default is not 0"], "suggested_research": ["maxmemory-policy"]}`)
	require.NoError(t, err)
	assert.True(t, rep.HasErrors)
	assert.Equal(t, []string{"maxmemory default is not 0"}, rep.Errors)
	assert.Equal(t, []string{"maxmemory-policy"}, rep.SuggestedResearch)
}

func TestParseReportCodeFences(t *testing.T) {
	rep, err := ParseReport("Here is my verdict:\n```json\n{\"has_errors\": false, \"errors\": [], \"suggested_research\": []}\n```\n")
	require.NoError(t, err)
	assert.False(t, rep.HasErrors)
	assert.Empty(t, rep.Errors)
}

func TestParseReportObjectErrors(t *testing.T) {
	rep, err := ParseReport(`{"has_errors": true, "errors": [{"claim": "x", "why": "y"}], "suggested_research": []}`)
	require.NoError(t, err)
	assert.True(t, rep.HasErrors)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "claim")
}

func TestParseReportNoJSON(t *testing.T) {
	_, err := ParseReport("the response looks fine to me")
	assert.Error(t, err)
}

func TestParseReportMalformedJSON(t *testing.T) {
	_, err := ParseReport(`{"has_errors": maybe}`)
	assert.Error(t, err)
}
