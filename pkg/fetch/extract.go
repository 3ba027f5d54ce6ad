package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

type archiveExtractor func(*os.File, *progressbar.ProgressBar, Spec) error

// destPath maps an archive entry to its location below spec.Dest. It returns "" for entries that are stripped
// away completely.
func destPath(spec Spec, item string) (string, error) {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(item)), "/")
	if len(parts) <= spec.Strip {
		return "", nil
	}

	rel := filepath.Join(parts[spec.Strip:]...)
	if rel == "." || rel == "" {
		return "", nil
	}

	dest := filepath.Join(spec.Dest, rel)
	if !strings.HasPrefix(dest, filepath.Clean(spec.Dest)+string(filepath.Separator)) {
		return "", eris.Errorf("archive entry %s points outside of the destination", item)
	}

	return dest, nil
}

func openExtractorDest(spec Spec, item string) (*os.File, string, error) {
	dest, err := destPath(spec, item)
	if err != nil || dest == "" {
		return nil, "", err
	}

	destParent := filepath.Dir(dest)
	err = os.MkdirAll(destParent, 0o755)
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to create directory %s", destParent)
	}

	handle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to create file %s", dest)
	}

	return handle, dest, nil
}

func trackProgress(f *os.File, bar *progressbar.ProgressBar) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err == nil {
		bar.Set64(pos)
	}
}

func getExtractor(url string) (archiveExtractor, error) {
	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(url, ".tar.gz"), strings.HasSuffix(url, ".tgz"):
		return func(f *os.File, bar *progressbar.ProgressBar, spec Spec) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, f, bar, spec)
		}, nil
	case strings.HasSuffix(url, ".tar.bz2"):
		return func(f *os.File, bar *progressbar.ProgressBar, spec Spec) error {
			return extractTar(bzip2.NewReader(f), f, bar, spec)
		}, nil
	case strings.HasSuffix(url, ".tar.xz"):
		return func(f *os.File, bar *progressbar.ProgressBar, spec Spec) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, f, bar, spec)
		}, nil
	}

	return nil, eris.Wrapf(ErrUnsupported, "can't extract %s", url)
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, spec Spec) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		err = extractZipEntry(item, spec)
		if err != nil {
			return err
		}
		trackProgress(f, bar)
	}

	return nil
}

func extractZipEntry(item *zip.File, spec Spec) error {
	destHandle, dest, err := openExtractorDest(spec, item.Name)
	if err != nil || destHandle == nil {
		return err
	}
	defer destHandle.Close()

	itemHandle, err := item.Open()
	if err != nil {
		return eris.Wrap(err, "failed to open archive entry")
	}
	defer itemHandle.Close()

	_, err = io.Copy(destHandle, itemHandle)
	if err != nil {
		return eris.Wrapf(err, "failed to write extracted file %s", dest)
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, spec Spec) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		switch item.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeSymlink:
			dest, err := destPath(spec, item.Name)
			if err != nil {
				return err
			}
			if dest == "" {
				continue
			}

			err = os.MkdirAll(filepath.Dir(dest), 0o755)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory for %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		case tar.TypeReg:
		default:
			continue
		}

		destHandle, dest, err := openExtractorDest(spec, item.Name)
		if err != nil {
			return err
		}
		if destHandle == nil {
			continue
		}

		_, err = io.Copy(destHandle, archive)
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "failed to write extracted file %s", dest)
		}

		err = os.Chmod(dest, item.FileInfo().Mode().Perm())
		if err != nil {
			return eris.Wrapf(err, "failed to set permissions on %s", dest)
		}

		trackProgress(f, bar)
	}

	return nil
}
