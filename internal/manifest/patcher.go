package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultSection is the override section consulted by uv when resolving
// dependencies: package name -> source specification.
const DefaultSection = "tool.uv.sources"

// BackupSuffix names the sibling backup written before any mutation.
const BackupSuffix = ".dstest-bak"

// SectionPolicy controls what happens when the override section or the
// library's entry is absent from a manifest.
type SectionPolicy int

const (
	// PolicyFail refuses to guess how a new override fits into an
	// unfamiliar manifest; the consumer fails. Default for editable runs.
	PolicyFail SectionPolicy = iota

	// PolicyCreate appends a missing section or entry. Default for
	// packaged runs.
	PolicyCreate
)

func (p SectionPolicy) String() string {
	switch p {
	case PolicyFail:
		return "fail"
	case PolicyCreate:
		return "create"
	default:
		return fmt.Sprintf("SectionPolicy(%d)", int(p))
	}
}

// ParsePolicy converts a flag value to a SectionPolicy.
func ParsePolicy(s string) (SectionPolicy, error) {
	switch s {
	case "fail":
		return PolicyFail, nil
	case "create":
		return PolicyCreate, nil
	default:
		return 0, fmt.Errorf("invalid section policy %q: must be fail or create", s)
	}
}

// EditableSource renders an override pointing at a live source tree.
func EditableSource(root string) string {
	return fmt.Sprintf("{ path = %q, editable = true }", root)
}

// WheelSource renders an override pointing at a wheel staged in the
// consumer's directory.
func WheelSource(wheel string) string {
	return fmt.Sprintf("{ path = %q }", "./"+wheel)
}

// Patcher rewrites one package's override entry in consumer manifests.
type Patcher struct {
	// Section is the dotted override-section name. Defaults via NewPatcher
	// to DefaultSection.
	Section string

	// Package is the library under test.
	Package string

	// Policy governs absent sections and entries.
	Policy SectionPolicy
}

// NewPatcher returns a Patcher for the standard uv sources section.
func NewPatcher(pkg string, policy SectionPolicy) *Patcher {
	return &Patcher{Section: DefaultSection, Package: pkg, Policy: policy}
}

// Backup associates a patched manifest with the saved copy of its original
// contents. At most one live Backup exists per manifest; Restore consumes
// it and is safe to call more than once.
type Backup struct {
	ManifestPath string
	BackupPath   string

	mode     fs.FileMode
	restored bool
}

// Apply validates the manifest, writes a verbatim sibling backup, and then
// rewrites exactly the one line that pins p.Package to source.
//
// Error conditions leave the manifest untouched and return no backup:
// a missing file yields *MissingManifestError, unparseable TOML or a
// non-table section yields *InvalidManifestError, and an absent section or
// entry under PolicyFail yields *MissingOverrideError.
func (p *Patcher) Apply(path, source string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &MissingManifestError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	if err := p.validate(path, data); err != nil {
		return nil, err
	}

	patched, err := p.patch(string(data), source)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}

	backupPath := path + BackupSuffix
	if _, err := os.Stat(backupPath); err == nil {
		// A leftover backup means a previous run died between backup and
		// restore. Refusing to overwrite it preserves the true original.
		return nil, fmt.Errorf("backup already exists: %s (restore or remove it first)", backupPath)
	}
	if err := os.WriteFile(backupPath, data, info.Mode()); err != nil {
		return nil, fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}

	if err := os.WriteFile(path, []byte(patched), info.Mode()); err != nil {
		// The manifest may now be gone or truncated; put the original back.
		if restoreErr := os.WriteFile(path, data, info.Mode()); restoreErr == nil {
			os.Remove(backupPath)
		}
		return nil, fmt.Errorf("failed to write patched manifest %s: %w", path, err)
	}

	return &Backup{ManifestPath: path, BackupPath: backupPath, mode: info.Mode()}, nil
}

// Restore unconditionally overwrites the manifest with the backed-up
// content and removes the backup. Calling Restore on an already-restored
// or nil Backup is a no-op.
func (b *Backup) Restore() error {
	if b == nil || b.restored {
		return nil
	}

	data, err := os.ReadFile(b.BackupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", b.BackupPath, err)
	}
	if err := os.WriteFile(b.ManifestPath, data, b.mode); err != nil {
		return fmt.Errorf("failed to restore manifest %s: %w", b.ManifestPath, err)
	}
	if err := os.Remove(b.BackupPath); err != nil {
		return fmt.Errorf("failed to remove backup %s: %w", b.BackupPath, err)
	}
	b.restored = true
	return nil
}

// Restored reports whether the backup has been consumed.
func (b *Backup) Restored() bool {
	return b == nil || b.restored
}

// validate parses the manifest as TOML and checks that the override
// section, when present, is a table.
func (p *Patcher) validate(path string, data []byte) error {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return &InvalidManifestError{Path: path, Err: err}
	}

	node := any(doc)
	for _, key := range strings.Split(p.Section, ".") {
		table, ok := node.(map[string]any)
		if !ok {
			return &InvalidManifestError{Path: path, Err: fmt.Errorf("%q is not a table", p.Section)}
		}
		node, ok = table[key]
		if !ok {
			// Section absent entirely; patch decides per policy.
			return nil
		}
	}
	if _, ok := node.(map[string]any); !ok {
		return &InvalidManifestError{Path: path, Err: fmt.Errorf("[%s] is not a table", p.Section)}
	}
	return nil
}

// patch performs the text-level rewrite. Exactly one line changes: the
// entry for p.Package is replaced in place, or appended per policy. Every
// other line passes through untouched.
func (p *Patcher) patch(content, source string) (string, error) {
	lines := strings.Split(content, "\n")

	start, end := p.sectionBounds(lines)
	if start < 0 {
		if p.Policy == PolicyFail {
			return "", &MissingOverrideError{Section: p.Section, Package: p.Package}
		}
		return appendSection(content, p.Section, p.entryLine("", source)), nil
	}

	entryRE := p.entryPattern()
	for i := start + 1; i < end; i++ {
		if m := entryRE.FindStringSubmatch(lines[i]); m != nil {
			lines[i] = p.entryLine(m[1], source)
			return strings.Join(lines, "\n"), nil
		}
	}

	if p.Policy == PolicyFail {
		return "", &MissingOverrideError{Section: p.Section, Package: p.Package}
	}

	// Append after the section's last non-blank line so trailing blank
	// separation before the next section survives.
	insertAt := start
	for i := start + 1; i < end; i++ {
		if strings.TrimSpace(lines[i]) != "" {
			insertAt = i
		}
	}
	lines = append(lines[:insertAt+1], append([]string{p.entryLine("", source)}, lines[insertAt+1:]...)...)
	return strings.Join(lines, "\n"), nil
}

// appendSection adds a new override section with a single entry at the end
// of the file, preserving whatever final-newline convention it already has.
func appendSection(content, section, entry string) string {
	var b strings.Builder
	b.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	if content != "" {
		b.WriteString("\n")
	}
	b.WriteString("[" + section + "]\n")
	b.WriteString(entry + "\n")
	return b.String()
}

// sectionBounds returns the header index of the override section and the
// index of the next table header (or len(lines)). start is -1 when the
// section is absent.
func (p *Patcher) sectionBounds(lines []string) (start, end int) {
	headerRE := regexp.MustCompile(`^\s*\[\s*` + regexp.QuoteMeta(p.Section) + `\s*\]\s*(#.*)?$`)

	start = -1
	for i, line := range lines {
		if headerRE.MatchString(line) {
			start = i
			break
		}
	}
	if start < 0 {
		return -1, -1
	}

	end = len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			end = i
			break
		}
	}
	return start, end
}

// entryPattern matches the line assigning p.Package, bare or quoted,
// capturing its indentation.
func (p *Patcher) entryPattern() *regexp.Regexp {
	name := regexp.QuoteMeta(p.Package)
	return regexp.MustCompile(`^(\s*)(?:` + name + `|"` + name + `"|'` + name + `')\s*=`)
}

// entryLine renders the override assignment with the given indentation.
func (p *Patcher) entryLine(indent, source string) string {
	return indent + p.Package + " = " + source
}
