// Package cachekey derives the stable names and paths the rest of the
// coordinator keys off of: the normalized cache root, the package key used
// for deduplication and the on-disk subdirectory, the IPC endpoint names,
// and the path-traversal guard used by the tar extractor.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PackagesDirName is the sole child directory of a cache root.
const PackagesDirName = "packages"

// Normalize resolves root to an absolute, symlink-free path with no
// trailing separator. A leading "~" is expanded against the user's home
// directory.
func Normalize(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("cachekey: empty cache root")
	}
	if root == "~" || strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cachekey: resolve home directory: %w", err)
		}
		root = filepath.Join(home, strings.TrimPrefix(root, "~"))
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("cachekey: resolve absolute path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// The root may not exist yet; normalize lexically instead.
			resolved = filepath.Clean(abs)
		} else {
			return "", fmt.Errorf("cachekey: resolve symlinks: %w", err)
		}
	}
	return filepath.Clean(resolved), nil
}

// PackagesDir returns the packages/ subdirectory of a normalized root.
func PackagesDir(normalizedRoot string) string {
	return filepath.Join(normalizedRoot, PackagesDirName)
}

// rootHash returns the lowercase hex SHA-256 of the normalized root.
func rootHash(normalizedRoot string) string {
	sum := sha256.Sum256([]byte(normalizedRoot))
	return hex.EncodeToString(sum[:])
}

// DerivePipeNames returns the (service, lock) endpoint names for a
// normalized cache root, stable across runs and distinct across roots.
// base defaults to "fhir-ig-agent-<user>" when empty.
func DerivePipeNames(normalizedRoot, base string) (service, lock string) {
	if base == "" {
		base = defaultPipeBase()
	}
	hash := rootHash(normalizedRoot)[:12]
	return fmt.Sprintf("%s-%s", base, hash), fmt.Sprintf("%s-lock-%s", base, hash)
}

func defaultPipeBase() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "default"
	}
	return "fhir-ig-agent-" + sanitizeUser(user)
}

func sanitizeUser(user string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(user) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// MakeKey forms the package key used for deduplication and the on-disk
// subdirectory name: lower(id) + "#" + version. id casing is ignored;
// version is opaque.
func MakeKey(id, version string) string {
	return strings.ToLower(id) + "#" + version
}

// SanitizeArchivePath validates and normalizes a raw archive entry name so
// it is safe to join with a staging directory. It rejects absolute paths
// (leading "/" or a drive-letter prefix) and any path whose canonicalized
// join with stagingDir escapes stagingDir. The returned path uses the host
// separator and is the cleaned join of stagingDir and the entry name.
func SanitizeArchivePath(stagingDir, raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("cachekey: empty archive entry name")
	}

	name = strings.ReplaceAll(name, "\\", "/")
	for strings.HasPrefix(name, "./") {
		name = strings.TrimPrefix(name, "./")
	}

	if strings.HasPrefix(name, "/") || isDriveLetterPrefixed(name) {
		return "", fmt.Errorf("cachekey: archive entry has an absolute path: %q", raw)
	}

	name = filepath.FromSlash(name)
	joined := filepath.Join(stagingDir, name)

	cleanStaging := filepath.Clean(stagingDir)
	cleanJoined := filepath.Clean(joined)

	rel, err := filepath.Rel(cleanStaging, cleanJoined)
	if err != nil {
		return "", fmt.Errorf("cachekey: archive entry escapes staging directory: %q", raw)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("cachekey: archive entry escapes staging directory: %q", raw)
	}

	return cleanJoined, nil
}

func isDriveLetterPrefixed(name string) bool {
	if len(name) < 2 {
		return false
	}
	c := name[0]
	isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	return isLetter && name[1] == ':'
}
