package sigma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulebox/core"
)

const singleRule = `title: Suspicious Whoami
id: 6f3c0a2e-1111-2222-3333-444455556666
description: Detects whoami execution
level: medium
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    Image|endswith: '\whoami.exe'
  condition: selection
`

func titles(rules []Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Body.Title)
	}
	return out
}

func TestParseRules_SingleDocument(t *testing.T) {
	rules, err := NewParser().ParseRules("whoami.yml", []byte(singleRule))
	require.NoError(t, err)
	require.Len(t, rules, 1)

	body := rules[0].Body
	assert.Equal(t, "Suspicious Whoami", body.Title)
	assert.Equal(t, "6f3c0a2e-1111-2222-3333-444455556666", body.ID)
	assert.Equal(t, "Detects whoami execution", body.Description)
	assert.Equal(t, "medium", body.Level)
	assert.Contains(t, string(body.Raw), `"condition":"selection"`)
}

func TestParseRules_MultiDocumentFallbackTitles(t *testing.T) {
	src := `detection:
  condition: a
---
title: Second Rule
detection:
  condition: b
---
detection:
  condition: c
`
	rules, err := NewParser().ParseRules("stream.yml", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"stream.yml#1", "Second Rule", "stream.yml#3"}, titles(rules))
}

func TestParseRules_SingleRuleWithoutTitle(t *testing.T) {
	rules, err := NewParser().ParseRules("lonely.yaml", []byte("detection:\n  condition: x\ntitle: ''\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"lonely.yaml"}, titles(rules))
}

func TestParseRules_RulesField(t *testing.T) {
	src := `rules:
  - title: A
  - not-a-mapping
  - title: B
`
	rules, err := NewParser().ParseRules("wrapped.yml", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, titles(rules))
}

func TestParseRules_BareList(t *testing.T) {
	rules, err := NewParser().ParseRules("list.yml", []byte("- level: high\n- title: Named\n- 42\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"list.yml#1", "Named"}, titles(rules))
	assert.Equal(t, "high", rules[0].Body.Level)
}

func TestParseRules_NullDocumentsDropped(t *testing.T) {
	rules, err := NewParser().ParseRules("nulls.yml", []byte("---\n---\ntitle: Only\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Only"}, titles(rules))
}

func TestParseRules_NoRules(t *testing.T) {
	for _, src := range []string{"", "just a string\n", "- 1\n- 2\n"} {
		rules, err := NewParser().ParseRules("empty.yml", []byte(src))
		require.NoError(t, err)
		assert.Empty(t, rules, "source %q", src)
	}
}

func TestParseRules_Malformed(t *testing.T) {
	_, err := NewParser().ParseRules("broken.yml", []byte("title: [unclosed\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidSubmission))
	assert.Contains(t, err.Error(), "broken.yml")
}

func TestParseRules_NonStringFieldsStringified(t *testing.T) {
	rules, err := NewParser().ParseRules("n.yml", []byte("id: 1234\ntitle: 99\nlevel: 3\n"))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "1234", rules[0].Body.ID)
	assert.Equal(t, "99", rules[0].Body.Title)
	assert.Equal(t, "3", rules[0].Body.Level)
}

func TestParseRules_ScalarTitles(t *testing.T) {
	tests := []struct {
		doc  string
		want string
	}{
		{"title: true\n", "True"},
		{"title: false\n", "s.yml"},
		{"title: 1.0\n", "1.0"},
		{"title: 2.5\n", "2.5"},
		{"title: 0\n", "s.yml"},
		{"title: ''\n", "s.yml"},
	}
	for _, tt := range tests {
		t.Run(tt.doc, func(t *testing.T) {
			rules, err := NewParser().ParseRules("s.yml", []byte(tt.doc))
			require.NoError(t, err)
			require.Len(t, rules, 1)
			assert.Equal(t, tt.want, rules[0].Body.Title)
		})
	}

	rules, err := NewParser().ParseRules("d.yml", []byte("title: X\ndescription: false\n"))
	require.NoError(t, err)
	assert.Equal(t, "False", rules[0].Body.Description)
}

func TestParseRules_HashIgnoresFormatting(t *testing.T) {
	a := "title: X\nlevel: low\ntags: [a, b]\n"
	b := "# comment\nlevel:   low\ntitle: \"X\"\ntags:\n  - a\n  - b\n"

	ra, err := NewParser().ParseRules("a.yml", []byte(a))
	require.NoError(t, err)
	rb, err := NewParser().ParseRules("b.yml", []byte(b))
	require.NoError(t, err)

	pa := core.NewParsedRule(ra[0].Body, "s", "a.yml")
	pb := core.NewParsedRule(rb[0].Body, "s", "b.yml")
	assert.Equal(t, pa.ContentHash, pb.ContentHash)
}
