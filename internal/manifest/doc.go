// Package manifest rewrites the dependency-override section of a
// consumer's pyproject.toml so the library under test resolves to a local
// source instead of the public registry, and restores the original file
// afterwards.
//
// The patch is deliberately text-level: only the single line defining the
// library's override entry is touched, so every other byte of the manifest
// survives the round trip. The TOML decoder is used to validate structure
// and locate sections, never to re-serialize the file.
package manifest
