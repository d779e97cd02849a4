package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulebox/core"
)

type zipEntry struct {
	name string
	body string
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate})
		require.NoError(t, err)
		if e.body != "" {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestIsUnsafeMemberPath(t *testing.T) {
	tests := []struct {
		name   string
		unsafe bool
	}{
		{"rules/a.yar", false},
		{"a..b.yar", false},
		{"nested/dir/..hidden.yar", false},
		{"../evil.yar", true},
		{"/etc/passwd", true},
		{"rules/../../evil.yar", true},
		{"rules/..", true},
		{normalizeMemberName(`..\evil.yar`), true},
		{normalizeMemberName(`\abs.yar`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unsafe, isUnsafeMemberPath(tt.name))
		})
	}
}

func TestIngestArchive_PathSafety(t *testing.T) {
	for _, evil := range []string{"../evil.yar", "/etc/passwd", `sub\..\..\evil.yar`} {
		t.Run(evil, func(t *testing.T) {
			env := setupPipeline(t)
			data := buildZip(t,
				zipEntry{"good.yar", "rule good { condition: true }"},
				zipEntry{evil, "rule evil { condition: true }"},
			)

			_, err := env.pipeline.IngestArchive(context.Background(), core.FamilyYARA,
				core.RawSubmission{Data: data, Filename: "bundle.zip"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrUnsafeArchivePath), "got %v", err)

			assert.Empty(t, env.rules(t, core.FamilyYARA))
			assert.Equal(t, 0, env.compiler.Calls())
		})
	}
}

func TestIngestArchive_YARAWithIncludes(t *testing.T) {
	env := setupPipeline(t)
	data := buildZip(t,
		zipEntry{"rules/", ""},
		zipEntry{"rules/common.yar", "private rule is_pe { condition: uint16(0) == 0x5A4D }"},
		zipEntry{"rules/main.yar", "include \"common.yar\"\n\nrule dropper { condition: is_pe }"},
	)

	report, err := env.pipeline.IngestArchive(context.Background(), core.FamilyYARA,
		core.RawSubmission{Data: data, Filename: "pack.ZIP", SourceName: "feed"})
	require.NoError(t, err)

	assert.Equal(t, core.KindZip, report.Kind)
	assert.Equal(t, 2, report.StoredCount)
	assert.Equal(t, []string{"rules/common.yar", "rules/main.yar"}, report.StoredFiles)
	assert.Equal(t, []string{"is_pe", "dropper"}, report.RuleNames)
	assert.Len(t, report.ArtifactIDs, 2)
	assert.Equal(t, core.SHA256Hex(data), report.SHA256)

	// Extraction tree is removed after compilation
	entries, err := os.ReadDir(filepath.Join(env.scratch, "yara_ingest"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	rules := env.rules(t, core.FamilyYARA)
	require.Len(t, rules, 2)
	assert.Equal(t, "feed", rules[1].SourceName)
	assert.Equal(t, "rules/main.yar", rules[1].SourceFile)
}

func TestIngestArchive_FailFastOnCompileError(t *testing.T) {
	env := setupPipeline(t)
	data := buildZip(t,
		zipEntry{"a.yar", "rule fine { condition: true }"},
		zipEntry{"b.yar", "rule broken { syntax error }"},
	)

	_, err := env.pipeline.IngestArchive(context.Background(), core.FamilyYARA,
		core.RawSubmission{Data: data, Filename: "mixed.zip"})
	require.Error(t, err)

	var ce *core.CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "b.yar", ce.File)
	assert.Empty(t, env.rules(t, core.FamilyYARA), "no partial commit")
}

func TestIngestArchive_FailFastOnEmptyMember(t *testing.T) {
	env := setupPipeline(t)
	data := buildZip(t,
		zipEntry{"a.yml", "title: A\ndetection: {sel: {x: 1}, condition: sel}\n"},
		zipEntry{"b.yml", "# only a comment\n"},
	)

	_, err := env.pipeline.IngestArchive(context.Background(), core.FamilySigma,
		core.RawSubmission{Data: data, Filename: "sigma.zip"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrEmptyRuleSet))
	assert.Empty(t, env.rules(t, core.FamilySigma))
}

func TestIngestArchive_SigmaStoredFiles(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()
	ruleA := "title: A\ndetection: {sel: {EventID: 1}, condition: sel}\n"
	ruleB := "title: B\ndetection: {sel: {EventID: 2}, condition: sel}\n"

	_, err := env.pipeline.IngestFile(ctx, core.FamilySigma, core.RawSubmission{Data: []byte(ruleA), Filename: "a.yml"})
	require.NoError(t, err)

	data := buildZip(t, zipEntry{"a.yml", ruleA}, zipEntry{"nested/b.yaml", ruleB})
	report, err := env.pipeline.IngestArchive(ctx, core.FamilySigma, core.RawSubmission{Data: data, Filename: "sigma.zip"})
	require.NoError(t, err)

	assert.Equal(t, 1, report.StoredCount)
	assert.Equal(t, 1, report.SkippedCount)
	assert.Equal(t, []string{"nested/b.yaml"}, report.StoredFiles)
	assert.Equal(t, []string{"B"}, report.RuleNames)
}

func TestIngestArchive_ValidationFaults(t *testing.T) {
	env := setupPipeline(t, func(o *Options) { o.MaxArchiveEntries = 2 })
	ctx := context.Background()

	tests := []struct {
		name     string
		filename string
		data     []byte
		want     error
	}{
		{"not a zip name", "rules.tar", buildZip(t, zipEntry{"a.yar", "rule a { condition: true }"}), core.ErrInvalidExtension},
		{"corrupt archive", "broken.zip", []byte("PK\x03\x04 definitely not a zip"), core.ErrInvalidSubmission},
		{"disallowed member", "mixed.zip", buildZip(t, zipEntry{"a.yar", "rule a { condition: true }"}, zipEntry{"notes.txt", "hi"}), core.ErrInvalidExtension},
		{"only directories", "empty.zip", buildZip(t, zipEntry{"rules/", ""}), core.ErrEmptyRuleSet},
		{"too many entries", "many.zip", buildZip(t,
			zipEntry{"a.yar", "rule a { condition: true }"},
			zipEntry{"b.yar", "rule b { condition: true }"},
			zipEntry{"c.yar", "rule c { condition: true }"}), core.ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.pipeline.IngestArchive(ctx, core.FamilyYARA, core.RawSubmission{Data: tt.data, Filename: tt.filename})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Empty(t, env.rules(t, core.FamilyYARA))
}

func TestIngestArchive_SizeLimits(t *testing.T) {
	env := setupPipeline(t, func(o *Options) {
		o.MaxFileBytes = 32
		o.MaxArchiveBytes = 4096
	})
	ctx := context.Background()

	oversizedMember := buildZip(t, zipEntry{"a.yar", "rule a { condition: true } // padding"})
	_, err := env.pipeline.IngestArchive(ctx, core.FamilyYARA, core.RawSubmission{Data: oversizedMember, Filename: "a.zip"})
	assert.True(t, errors.Is(err, core.ErrPayloadTooLarge))

	oversizedArchive := append(buildZip(t, zipEntry{"a.yar", "rule a { condition: true }"}), make([]byte, 4096)...)
	_, err = env.pipeline.IngestArchive(ctx, core.FamilyYARA, core.RawSubmission{Data: oversizedArchive, Filename: "b.zip"})
	assert.True(t, errors.Is(err, core.ErrPayloadTooLarge))
}

func TestReadArchive_UnpackedTotal(t *testing.T) {
	members := func(n int) []zipEntry {
		entries := make([]zipEntry, n)
		for i := range entries {
			entries[i] = zipEntry{name: fmt.Sprintf("rules/r%02d.yar", i), body: strings.Repeat("A", 1024)}
		}
		return entries
	}
	limits := archiveLimits{MaxEntries: 500, MaxMemberBytes: 1024, MaxTotalBytes: 8 * 1024}

	t.Run("at the cap", func(t *testing.T) {
		got, err := readArchive(buildZip(t, members(8)...), "ok.zip", []string{".yar"}, limits)
		require.NoError(t, err)
		assert.Len(t, got, 8)
	})

	t.Run("one member over", func(t *testing.T) {
		data := buildZip(t, members(9)...)
		require.Less(t, len(data), 9*1024, "members compress well")

		_, err := readArchive(data, "bomb.zip", []string{".yar"}, limits)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrPayloadTooLarge))
		assert.Contains(t, err.Error(), "unpacks to more than 8192 bytes")
	})

	t.Run("no total cap", func(t *testing.T) {
		unbounded := limits
		unbounded.MaxTotalBytes = 0
		got, err := readArchive(buildZip(t, members(9)...), "big.zip", []string{".yar"}, unbounded)
		require.NoError(t, err)
		assert.Len(t, got, 9)
	})
}

func TestIngestArchive_UnpackedTotalRejectedBeforeCompile(t *testing.T) {
	env := setupPipeline(t, func(o *Options) {
		o.MaxFileBytes = 1024
		o.MaxUnpackedBytes = 2048
	})

	entries := make([]zipEntry, 3)
	for i := range entries {
		body := fmt.Sprintf("rule r%d { condition: true }\n", i)
		entries[i] = zipEntry{name: fmt.Sprintf("r%d.yar", i), body: body + "//" + strings.Repeat("x", 1000-len(body))}
	}

	_, err := env.pipeline.IngestArchive(context.Background(), core.FamilyYARA,
		core.RawSubmission{Data: buildZip(t, entries...), Filename: "pack.zip"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPayloadTooLarge))
	assert.True(t, core.IsValidationError(err))
	assert.Equal(t, 0, env.compiler.Calls())
	assert.Empty(t, env.rules(t, core.FamilyYARA))
}
