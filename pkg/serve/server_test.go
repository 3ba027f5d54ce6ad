package serve

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexHTML = "<html><body>styleguide</body></html>"

func newBase(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "index.html"), []byte(indexHTML), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "public"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "public", "styleguide.css"), []byte(".a{color:red}"), 0o644))
	return base
}

func TestHandlerServesIndex(t *testing.T) {
	srv := New(Options{Base: newBase(t)}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, indexHTML, string(body))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestHandlerMissingFile(t *testing.T) {
	srv := New(Options{Base: newBase(t)}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/missing.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerCompressesWithBrotli(t *testing.T) {
	srv := New(Options{Base: newBase(t), Compress: true}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/public/styleguide.css", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "br", resp.Header.Get("Content-Encoding"))
	body, err := io.ReadAll(brotli.NewReader(resp.Body))
	require.NoError(t, err)
	assert.Equal(t, ".a{color:red}", string(body))
}

func TestAcceptsBrotli(t *testing.T) {
	assert.True(t, acceptsBrotli("gzip, deflate, br"))
	assert.True(t, acceptsBrotli("br;q=1.0"))
	assert.True(t, acceptsBrotli("br;q=0.5"))
	assert.True(t, acceptsBrotli("gzip, br;q=0.9"))
	assert.True(t, acceptsBrotli("br; Q=0.01"))
	assert.False(t, acceptsBrotli("br;q=0"))
	assert.False(t, acceptsBrotli("gzip;q=1, br;q=0.000"))
	assert.False(t, acceptsBrotli("br;q=bogus"))
	assert.False(t, acceptsBrotli("gzip"))
	assert.False(t, acceptsBrotli(""))
}

func TestStartAndShutdown(t *testing.T) {
	srv := New(Options{Base: newBase(t), Hostname: "127.0.0.1", Port: -1}, zerolog.Nop())
	addr, err := srv.Start()
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/", addr))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, indexHTML, string(body))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.Wait(ctx))

	_, err = http.Get(fmt.Sprintf("http://%s/", addr))
	assert.Error(t, err)
}
