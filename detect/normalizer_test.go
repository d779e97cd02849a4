package detect

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulebox/core"
	"rulebox/yara"
)

func decodeGroups(t *testing.T, raw string) []map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var groups []map[string]any
	require.NoError(t, dec.Decode(&groups))
	return groups
}

const engineOutput = `[
  {
    "title": "Suspicious PowerShell",
    "id": "d1a2",
    "rule_level": "high",
    "tags": ["attack.execution", "attack.t1059"],
    "count": 2,
    "matches": [
      {"row": {"EventID": 4688, "Channel": "Security", "Computer": "", "Image": "C:\\ps.exe", "User": null, "Extra": "x"}},
      {"row": {"EventID": 4688}}
    ]
  },
  {
    "rule_id": "fallback-id",
    "level": "low",
    "count": 1,
    "matches": [{"EventID": 7045, "ProcessId": 12}]
  },
  {
    "matches": []
  }
]`

func TestByteMatches(t *testing.T) {
	n := NewNormalizer(0)
	result := n.ByteMatches([]yara.Match{
		{Rule: "dropper", Namespace: "default", Tags: []string{"ignored"}},
		{Rule: "packer", Namespace: "pe"},
	})

	require.Len(t, result.Alerts, 2)
	assert.Equal(t, "dropper", result.Alerts[0].RuleID)
	assert.Equal(t, "default", result.Alerts[0].Namespace)
	assert.Equal(t, []string{}, result.Alerts[0].Tags)
	assert.Equal(t, []core.EvidenceField{}, result.Alerts[1].Evidence)
	assert.Nil(t, result.HitEvents)

	out, err := json.Marshal(result.Alerts[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule_id":"packer","namespace":"pe","tags":[],"evidence":[]}`, string(out))
}

func TestByteMatches_NoMatches(t *testing.T) {
	result := NewNormalizer(0).ByteMatches(nil)
	assert.NotNil(t, result.Alerts)
	assert.Empty(t, result.Alerts)
}

func TestLogDetections_Alerts(t *testing.T) {
	result, err := NewNormalizer(0).LogDetections(decodeGroups(t, engineOutput), core.ReturnLevelSummary)
	require.NoError(t, err)
	require.Len(t, result.Alerts, 3)

	first := result.Alerts[0]
	assert.Equal(t, "d1a2", first.RuleID)
	assert.Equal(t, "Suspicious PowerShell", first.Title)
	assert.Equal(t, "high", first.Level)
	assert.Equal(t, []string{"attack.execution", "attack.t1059"}, first.Tags)
	assert.Equal(t, 2, first.HitCount)
	assert.Equal(t, []core.EvidenceField{
		{Field: "EventID", Value: "4688"},
		{Field: "Channel", Value: "Security"},
		{Field: "Image", Value: `C:\ps.exe`},
	}, first.Evidence, "empty and null fields are dropped, order is fixed")

	second := result.Alerts[1]
	assert.Equal(t, "fallback-id", second.RuleID)
	assert.Equal(t, "-", second.Title)
	assert.Equal(t, "low", second.Level)
	assert.Equal(t, []string{}, second.Tags)
	assert.Equal(t, []core.EvidenceField{
		{Field: "EventID", Value: "7045"},
		{Field: "ProcessId", Value: "12"},
	}, second.Evidence)

	third := result.Alerts[2]
	assert.Equal(t, "-", third.RuleID)
	assert.Equal(t, "-", third.Level)
	assert.Equal(t, 0, third.HitCount)
	assert.Equal(t, []core.EvidenceField{}, third.Evidence)
}

func TestLogDetections_VerbositySwitch(t *testing.T) {
	n := NewNormalizer(0)
	groups := decodeGroups(t, engineOutput)

	summary, err := n.LogDetections(groups, core.ReturnLevelSummary)
	require.NoError(t, err)
	assert.Nil(t, summary.HitEvents)

	verbose, err := n.LogDetections(groups, core.ReturnLevelWithEvents)
	require.NoError(t, err)
	assert.Equal(t, summary.Alerts, verbose.Alerts, "alerts do not depend on return level")

	require.Len(t, verbose.HitEvents, 3)
	assert.Equal(t, core.HitEvent{EventID: 0, AlertIndex: 0, Data: groups[0]["matches"].([]any)[0]}, verbose.HitEvents[0])
	assert.Equal(t, 1, verbose.HitEvents[1].EventID)
	assert.Equal(t, 2, verbose.HitEvents[2].EventID)
	assert.Equal(t, 1, verbose.HitEvents[2].AlertIndex)
}

func TestLogDetections_HitEventCapIsGlobal(t *testing.T) {
	n := NewNormalizer(3)
	groups := decodeGroups(t, `[
		{"title": "a", "matches": [{"EventID": 1}, {"EventID": 2}]},
		{"title": "b", "matches": [{"EventID": 3}, {"EventID": 4}]},
		{"title": "c", "matches": [{"EventID": 5}]}
	]`)

	result, err := n.LogDetections(groups, core.ReturnLevelWithEvents)
	require.NoError(t, err)
	require.Len(t, result.HitEvents, 3)
	assert.Equal(t, 1, result.HitEvents[2].AlertIndex)
	assert.Len(t, result.Alerts, 3, "the cap never drops alerts")
}

func TestLogDetections_InvalidReturnLevel(t *testing.T) {
	_, err := NewNormalizer(0).LogDetections(nil, core.ReturnLevel("everything"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidReturnLevel))
	assert.True(t, core.IsValidationError(err))
}

func TestLogDetections_Empty(t *testing.T) {
	result, err := NewNormalizer(0).LogDetections(nil, core.ReturnLevelWithEvents)
	require.NoError(t, err)
	assert.NotNil(t, result.Alerts)
	assert.Empty(t, result.HitEvents)
	assert.NotNil(t, result.HitEvents)
}
