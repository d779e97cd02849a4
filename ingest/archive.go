package ingest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"rulebox/core"
)

// member is one rule file read from an archive
type member struct {
	// Name is the normalized slash-separated path inside the archive
	Name string
	Data []byte
}

// normalizeMemberName converts backslashes to slashes
func normalizeMemberName(name string) string {
	return strings.ReplaceAll(name, "\\", "/")
}

// isUnsafeMemberPath reports whether an archive path would escape the
// extraction root: absolute paths and any ".." segment are rejected.
func isUnsafeMemberPath(name string) bool {
	if strings.HasPrefix(name, "/") {
		return true
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

// archiveLimits bounds what readArchive will unpack. A MaxTotalBytes of 0
// disables the running total.
type archiveLimits struct {
	MaxEntries     int
	MaxMemberBytes int64
	MaxTotalBytes  int64
}

// readArchive validates every member of a zip archive before reading any
// content, then returns the members in archive order. Any unsafe path or
// disallowed extension rejects the whole archive, and so does an unpacked
// total over limits.MaxTotalBytes.
func readArchive(data []byte, filename string, allowed []string, limits archiveLimits) ([]member, error) {
	// ErrInsecurePath still comes with a usable reader; member paths are checked below
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, core.NewValidationError(core.ErrInvalidSubmission, "cannot open archive %s: %v", filename, err)
	}

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		name := normalizeMemberName(f.Name)
		if isUnsafeMemberPath(name) {
			return nil, core.NewValidationError(core.ErrUnsafeArchivePath, "unsafe path in archive: %s", f.Name)
		}
		if !core.HasAllowedExtension(name, allowed) {
			return nil, core.NewValidationError(core.ErrInvalidExtension,
				"archive member %s is not allowed (allowed: %s)", f.Name, strings.Join(allowed, ", "))
		}
		files = append(files, f)
	}

	if len(files) == 0 {
		return nil, core.NewValidationError(core.ErrEmptyRuleSet, "archive %s contains no rule files", filename)
	}
	if len(files) > limits.MaxEntries {
		return nil, core.NewValidationError(core.ErrPayloadTooLarge,
			"archive %s has too many entries (%d > %d)", filename, len(files), limits.MaxEntries)
	}

	// Header sizes are not trusted; the total counts bytes actually read
	var total int64
	members := make([]member, 0, len(files))
	for _, f := range files {
		name := normalizeMemberName(f.Name)
		if f.UncompressedSize64 > uint64(limits.MaxMemberBytes) {
			return nil, core.NewValidationError(core.ErrPayloadTooLarge,
				"archive member %s too large (> %d bytes)", name, limits.MaxMemberBytes)
		}

		limit := limits.MaxMemberBytes
		capped := false
		if limits.MaxTotalBytes > 0 && limits.MaxTotalBytes-total < limit {
			limit = limits.MaxTotalBytes - total
			capped = true
		}

		content, err := readMember(f, limit)
		if err != nil {
			if capped && errors.Is(err, core.ErrPayloadTooLarge) {
				return nil, unpackedTooLarge(filename, limits.MaxTotalBytes)
			}
			return nil, err
		}
		total += int64(len(content))
		members = append(members, member{Name: name, Data: content})
	}

	return members, nil
}

func unpackedTooLarge(filename string, limit int64) error {
	return core.NewValidationError(core.ErrPayloadTooLarge,
		"archive %s unpacks to more than %d bytes", filename, limit)
}

// readMember reads at most limit bytes; the header size is not trusted
func readMember(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, core.NewValidationError(core.ErrInvalidSubmission, "cannot read archive member %s: %v", f.Name, err)
	}
	defer rc.Close()

	buf := new(bytes.Buffer)
	n, err := io.Copy(buf, io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, core.NewValidationError(core.ErrInvalidSubmission, "cannot read archive member %s: %v", f.Name, err)
	}
	if n > limit {
		return nil, core.NewValidationError(core.ErrPayloadTooLarge,
			"archive member %s too large (> %d bytes)", normalizeMemberName(f.Name), limit)
	}
	return buf.Bytes(), nil
}

// extractMembers writes members under root keeping their relative paths,
// so that include directives between sibling files resolve.
func extractMembers(root string, members []member) (map[string]string, error) {
	paths := make(map[string]string, len(members))
	for _, m := range members {
		target := filepath.Join(root, filepath.FromSlash(m.Name))

		// The joined path must stay under root
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, core.NewValidationError(core.ErrUnsafeArchivePath, "unsafe path in archive: %s", m.Name)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return nil, fmt.Errorf("failed to create extraction directory: %w", err)
		}
		if err := os.WriteFile(target, m.Data, 0600); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", m.Name, err)
		}
		paths[m.Name] = target
	}
	return paths, nil
}
