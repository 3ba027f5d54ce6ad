package fetch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := bytes.Buffer{}
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := bytes.Buffer{}
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func serveArchives(t *testing.T, archives map[string][]byte) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(rw, r)
			return
		}
		atomic.AddInt32(&hits, 1)
		rw.Write(data)
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func newFetcher() *Fetcher {
	f := New(zerolog.Nop())
	f.Quiet = true
	return f
}

func TestFetchTarGzWithStrip(t *testing.T) {
	data := makeTarGz(t, map[string]string{
		"kss-template-1.0/index.hbs":          "{{homepage}}",
		"kss-template-1.0/public/kss.css":     "body{}",
		"kss-template-1.0/public/kss.min.css": "body{}",
	})
	ts, hits := serveArchives(t, map[string][]byte{"/template.tar.gz": data})
	dest := filepath.Join(t.TempDir(), "vendors", "kss-template")

	spec := Spec{URL: ts.URL + "/template.tar.gz", Sha256: checksum(data), Dest: dest, Strip: 1}
	fetched, err := newFetcher().Fetch(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, fetched)

	content, err := os.ReadFile(filepath.Join(dest, "index.hbs"))
	require.NoError(t, err)
	assert.Equal(t, "{{homepage}}", string(content))
	assert.FileExists(t, filepath.Join(dest, "public", "kss.css"))

	fetched, err = newFetcher().Fetch(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, fetched)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetchZipReplacesDestination(t *testing.T) {
	data := makeZip(t, map[string]string{"assets/fonts/icons.woff": "font", "bin/tool": "#!/bin/sh\n"})
	ts, _ := serveArchives(t, map[string][]byte{"/assets.zip": data})
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("old"), 0o644))

	spec := Spec{URL: ts.URL + "/assets.zip", Sha256: checksum(data), Dest: dest, MarkExec: []string{"bin/tool"}}
	_, err := newFetcher().Fetch(context.Background(), spec)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dest, "stale.txt"))
	assert.FileExists(t, filepath.Join(dest, "assets", "fonts", "icons.woff"))
	assert.FileExists(t, filepath.Join(dest, StampFile))
}

func TestFetchChecksumMismatch(t *testing.T) {
	data := makeTarGz(t, map[string]string{"a.txt": "a"})
	ts, _ := serveArchives(t, map[string][]byte{"/a.tar.gz": data})
	dest := filepath.Join(t.TempDir(), "out")

	spec := Spec{URL: ts.URL + "/a.tar.gz", Sha256: checksum([]byte("something else")), Dest: dest}
	_, err := newFetcher().Fetch(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrChecksumMismatch))
	assert.NoDirExists(t, dest)
}

func TestFetchRequiresChecksum(t *testing.T) {
	_, err := newFetcher().Fetch(context.Background(), Spec{URL: "http://localhost/a.zip", Dest: t.TempDir()})
	assert.True(t, eris.Is(err, ErrMissingChecksum))
}

func TestFetchUnsupportedFormat(t *testing.T) {
	_, err := newFetcher().Fetch(context.Background(), Spec{URL: "http://localhost/a.rar", Sha256: "00", Dest: t.TempDir()})
	assert.True(t, eris.Is(err, ErrUnsupported))
}

func TestDestPathRejectsEscapes(t *testing.T) {
	_, err := destPath(Spec{Dest: "/tmp/out"}, "../../etc/passwd")
	assert.Error(t, err)

	dest, err := destPath(Spec{Dest: "/tmp/out", Strip: 1}, "top")
	require.NoError(t, err)
	assert.Equal(t, "", dest)
}
