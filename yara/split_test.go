package yara

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulebox/core"
)

func names(decls []Declaration) []string {
	out := make([]string, 0, len(decls))
	for _, d := range decls {
		out = append(out, d.Name)
	}
	return out
}

func TestSplitRules_Basic(t *testing.T) {
	src := `import "pe"

rule First : tag1 {
    strings:
        $a = "abc"
    condition:
        $a
}

private rule Second
{
    condition:
        filesize < 10
}
global private rule Third { condition: true }
`
	decls := SplitRules(src)
	require.Len(t, decls, 3)
	assert.Equal(t, []string{"First", "Second", "Third"}, names(decls))

	assert.True(t, len(decls[0].Text) > 0)
	assert.Equal(t, "rule First : tag1 {", decls[0].Text[:len("rule First : tag1 {")])
	assert.Equal(t, "}", decls[0].Text[len(decls[0].Text)-1:], "text is trimmed")
	assert.Equal(t, "private rule Second\n{\n    condition:\n        filesize < 10\n}", decls[1].Text)
	assert.Equal(t, "global private rule Third { condition: true }", decls[2].Text)
}

func TestSplitRules_UnknownFallback(t *testing.T) {
	decls := SplitRules("  /* nothing here */\n  not a rule at all\n")
	require.Len(t, decls, 1)
	assert.Equal(t, core.UnknownRuleName, decls[0].Name)
	assert.Equal(t, "/* nothing here */\n  not a rule at all", decls[0].Text)
}

func TestSplitRules_IgnoresDeclarationsInCommentsAndStrings(t *testing.T) {
	src := `rule Outer {
    strings:
        $s = "
rule NotARule"
        $t = "x\" rule Escaped {"
        $re = /rule InRegex {/
        $h = { 4D 5A ?? }
    condition:
        any of them
}
// rule InLineComment {
/*
rule InBlockComment {
}
*/
rule Inner { condition: true }
`
	decls := SplitRules(src)
	assert.Equal(t, []string{"Outer", "Inner"}, names(decls))
}

func TestSplitRules_IgnoresDeclarationInsideBody(t *testing.T) {
	src := "rule A {\n  meta:\n    note = \"x\"\n  condition:\n    true\n  rule B\n}\nrule C { condition: false }\n"
	decls := SplitRules(src)
	assert.Equal(t, []string{"A", "C"}, names(decls))
}

func TestSplitRules_RequiresLineStart(t *testing.T) {
	src := "import \"pe\" rule Hidden { condition: true }\n"
	decls := SplitRules(src)
	require.Len(t, decls, 1)
	assert.Equal(t, core.UnknownRuleName, decls[0].Name)
}

func TestSplitRules_IdentifierBoundary(t *testing.T) {
	decls := SplitRules("rules_are_not_rules { }\nrule _ok_1 { condition: true }")
	assert.Equal(t, []string{"_ok_1"}, names(decls))
}

func TestSplitRules_MatchesOperatorRegex(t *testing.T) {
	src := "rule R {\n condition:\n  pe.sections[0].name matches /\\.te\"xt/\n}\nrule S { condition: true }\n"
	assert.Equal(t, []string{"R", "S"}, names(SplitRules(src)))
}
