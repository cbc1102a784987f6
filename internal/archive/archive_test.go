package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTarGz(t *testing.T, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if len(e.body) > 0 {
			_, err := tw.Write(e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "archive.tgz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type tarEntry struct {
	name     string
	typeflag byte
	body     []byte
}

func TestExtractTarGzNormalPackage(t *testing.T) {
	tgz := writeTarGz(t, []tarEntry{
		{name: "package/", typeflag: tar.TypeDir},
		{name: "package/package.json", typeflag: tar.TypeReg, body: []byte(`{"name":"x"}`)},
		{name: "package/StructureDefinition-foo.json", typeflag: tar.TypeReg, body: []byte(`{}`)},
	})

	staging := t.TempDir()
	require.NoError(t, ExtractTarGz(context.Background(), tgz, staging))

	data, err := os.ReadFile(filepath.Join(staging, "package", "package.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"x"}`, string(data))
}

func TestExtractTarGzRejectsPathTraversal(t *testing.T) {
	tgz := writeTarGz(t, []tarEntry{
		{name: "../../etc/passwd", typeflag: tar.TypeReg, body: []byte("pwned")},
	})

	staging := t.TempDir()
	err := ExtractTarGz(context.Background(), tgz, staging)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(staging)), "etc", "passwd"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractTarGzRejectsAbsolutePath(t *testing.T) {
	tgz := writeTarGz(t, []tarEntry{
		{name: "/etc/passwd", typeflag: tar.TypeReg, body: []byte("pwned")},
	})

	staging := t.TempDir()
	err := ExtractTarGz(context.Background(), tgz, staging)
	assert.Error(t, err)
}

func TestExtractTarGzSkipsSymlinksSilently(t *testing.T) {
	tgz := writeTarGz(t, []tarEntry{
		{name: "package/package.json", typeflag: tar.TypeReg, body: []byte(`{}`)},
		{name: "package/evil-link", typeflag: tar.TypeSymlink, body: nil},
	})

	staging := t.TempDir()
	require.NoError(t, ExtractTarGz(context.Background(), tgz, staging))

	_, err := os.Lstat(filepath.Join(staging, "package", "evil-link"))
	assert.True(t, os.IsNotExist(err), "symlink entry should have been skipped")
}

func TestExtractTarGzCancellation(t *testing.T) {
	tgz := writeTarGz(t, []tarEntry{
		{name: "package/a.json", typeflag: tar.TypeReg, body: []byte(`{}`)},
	})

	staging := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ExtractTarGz(ctx, tgz, staging)
	assert.ErrorIs(t, err, context.Canceled)
}
