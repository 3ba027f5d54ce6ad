// Package fetch downloads vendor archives, verifies their checksum and unpacks them.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
)

// StampFile is written into the destination after a successful extraction.
const StampFile = ".fetch-stamp"

var (
	ErrMissingChecksum  = eris.New("archive has no sha256 checksum")
	ErrChecksumMismatch = eris.New("checksum check failed")
	ErrUnsupported      = eris.New("archive format not supported")
)

// Spec describes one archive.
type Spec struct {
	URL    string
	Sha256 string
	// Dest is the directory the archive is extracted into. It's replaced on every extraction.
	Dest string
	// Strip removes this many leading path elements from every archive entry.
	Strip    int
	MarkExec []string
}

func (s Spec) stamp() string {
	return s.URL + "#" + s.Sha256
}

// Fetcher downloads and extracts archives.
type Fetcher struct {
	Client *http.Client
	Logger zerolog.Logger
	// Quiet hides the progress bars. They're also hidden when the CI environment variable is "true".
	Quiet bool
}

// New returns a Fetcher with a generous download timeout.
func New(logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		Client: &http.Client{Timeout: 30 * time.Minute},
		Logger: logger,
	}
}

func (f *Fetcher) progressBar(length int64, desc string) *progressbar.ProgressBar {
	if f.Quiet || os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// Fetch makes sure spec.Dest contains the extracted archive. It returns false if the destination was already up
// to date.
func (f *Fetcher) Fetch(ctx context.Context, spec Spec) (bool, error) {
	if spec.Sha256 == "" {
		return false, eris.Wrapf(ErrMissingChecksum, "can't fetch %s", spec.URL)
	}

	stamp, err := os.ReadFile(filepath.Join(spec.Dest, StampFile))
	if err == nil && strings.TrimSpace(string(stamp)) == spec.stamp() {
		f.Logger.Info().Str("path", spec.Dest).Msg("already up to date")
		return false, nil
	}

	extractor, err := getExtractor(spec.URL)
	if err != nil {
		return false, err
	}

	archive, err := os.CreateTemp("", "styleguide-fetch-*")
	if err != nil {
		return false, eris.Wrap(err, "failed to create temporary download file")
	}
	defer func() {
		archive.Close()
		os.Remove(archive.Name())
	}()

	size, err := f.download(ctx, spec, archive)
	if err != nil {
		return false, err
	}

	err = os.RemoveAll(spec.Dest)
	if err != nil {
		return false, eris.Wrapf(err, "failed to remove %s", spec.Dest)
	}

	_, err = archive.Seek(0, io.SeekStart)
	if err != nil {
		return false, eris.Wrap(err, "failed to rewind download")
	}

	bar := f.progressBar(size, "      extract")
	err = extractor(archive, bar, spec)
	if err != nil {
		return false, eris.Wrapf(err, "failed to extract %s", spec.URL)
	}
	bar.Finish()

	if runtime.GOOS != "windows" {
		// .zip files don't carry permissions which means we have to manually fix permissions for binaries
		for _, binPath := range spec.MarkExec {
			binPath = filepath.Join(spec.Dest, binPath)
			fi, err := os.Stat(binPath)
			if err != nil {
				return false, eris.Wrapf(err, "failed to read permissions for %s", binPath)
			}

			err = os.Chmod(binPath, fi.Mode()|0o700)
			if err != nil {
				return false, eris.Wrapf(err, "failed to mark %s as executable", binPath)
			}
		}
	}

	err = os.MkdirAll(spec.Dest, 0o755)
	if err != nil {
		return false, eris.Wrapf(err, "failed to create %s", spec.Dest)
	}

	err = os.WriteFile(filepath.Join(spec.Dest, StampFile), []byte(spec.stamp()+"\n"), 0o644)
	if err != nil {
		return false, eris.Wrap(err, "failed to write stamp")
	}

	return true, nil
}

func (f *Fetcher) download(ctx context.Context, spec Spec, dest io.Writer) (int64, error) {
	f.Logger.Info().Str("url", spec.URL).Msg("downloading")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid URL %s", spec.URL)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to start download for %s", spec.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, eris.Errorf("download of %s failed with status %s", spec.URL, resp.Status)
	}

	hash := sha256.New()
	bar := f.progressBar(resp.ContentLength, "     download")
	size, err := io.Copy(io.MultiWriter(dest, hash, bar), resp.Body)
	if err != nil {
		return 0, eris.Wrapf(err, "failed during download of %s", spec.URL)
	}
	bar.Finish()

	digest := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(digest, spec.Sha256) {
		return 0, eris.Wrapf(ErrChecksumMismatch, "%s has checksum %s, expected %s", spec.URL, digest, spec.Sha256)
	}

	return size, nil
}
