package manifest

import "fmt"

// MissingManifestError reports a consumer without a pyproject.toml.
// The consumer is skipped; no backup exists, nothing needs restoring.
type MissingManifestError struct {
	Path string
}

func (e *MissingManifestError) Error() string {
	return fmt.Sprintf("manifest not found: %s", e.Path)
}

// MissingOverrideError reports that the override section or the library's
// entry is absent under PolicyFail. The manifest was not modified.
type MissingOverrideError struct {
	Section string
	Package string
}

func (e *MissingOverrideError) Error() string {
	return fmt.Sprintf("no [%s] override for %q (strict mode will not invent one)", e.Section, e.Package)
}

// InvalidManifestError reports a manifest that is not structurally valid
// TOML, or whose override section is not a table. Patching an unparseable
// file risks corrupting it, so the consumer fails instead.
type InvalidManifestError struct {
	Path string
	Err  error
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %v", e.Path, e.Err)
}

func (e *InvalidManifestError) Unwrap() error {
	return e.Err
}
