// Package archive implements the safe tar extractor (C7): it decompresses
// a gzip tarball and extracts it under a staging directory, rejecting any
// entry that would escape the staging prefix and silently skipping link
// and device entries.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fhir-ig/agent/internal/cachekey"
)

// ExtractTarGz extracts the gzip tarball at tarballPath into stagingDir.
// Extraction checks cancellation between entries; on a cancelled context
// the caller is responsible for deleting the (partial) staging directory.
func ExtractTarGz(ctx context.Context, tarballPath, stagingDir string) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return fmt.Errorf("archive: open tarball: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("archive: open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	stagingAbs, err := filepath.Abs(stagingDir)
	if err != nil {
		return fmt.Errorf("archive: resolve staging directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read tar entry: %w", err)
		}

		target, err := cachekey.SanitizeArchivePath(stagingAbs, header.Name)
		if err != nil {
			return fmt.Errorf("archive: security violation: %w", err)
		}

		if err := guardWithinStaging(stagingAbs, target); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archive: create directory %q: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := extractRegularFile(tr, target, header); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink, tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			// IG packages never need these, and admitting them introduces
			// escape paths that are hard to validate; skip silently.
			continue
		default:
			continue
		}
	}
}

func extractRegularFile(tr *tar.Reader, target string, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("archive: create parent directory for %q: %w", header.Name, err)
	}

	mode := os.FileMode(header.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("archive: create file %q: %w", header.Name, err)
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return fmt.Errorf("archive: write file %q: %w", header.Name, err)
	}
	return out.Close()
}

// guardWithinStaging repeats the canonicalization check per entry: the
// staging parent is expected to be process-owned and non-symlinked, but a
// symlink race there could otherwise redirect a later entry outside it.
func guardWithinStaging(stagingAbs, target string) error {
	rel, err := filepath.Rel(stagingAbs, target)
	if err != nil {
		return fmt.Errorf("archive: security violation: cannot relate %q to staging directory", target)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("archive: security violation: entry escapes staging directory")
	}
	return nil
}
