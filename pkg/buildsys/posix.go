package buildsys

import (
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
)

type posixHelper func(dir string, args []string) error

// POSIX commands that batch scripts may use on any platform.
var posixHelpers = map[string]posixHelper{
	"mv":    Mv,
	"rm":    Rm,
	"mkdir": Mkdir,
}

func helperFlags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	return flags
}

func resolveIn(dir, item string) string {
	if filepath.IsAbs(item) || dir == "" {
		return filepath.Clean(item)
	}

	return filepath.Join(dir, item)
}

// expandArgs resolves glob patterns which the shell of the current platform would have expanded.
func expandArgs(dir string, args []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	items := []string{}
	for _, arg := range args {
		matches, err := filepath.Glob(resolveIn(dir, arg))
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}

	return items, nil
}

// Mv moves the given items into the last argument. Relative paths are resolved against dir.
func Mv(dir string, args []string) error {
	if len(args) < 2 {
		return eris.New("Not enough parameters")
	}

	dest := resolveIn(dir, args[len(args)-1])
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err == nil {
		destIsDir = info.IsDir()
	} else if !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}

	if len(args) > 2 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	items, err := expandArgs(dir, args[:len(args)-1], false)
	if err != nil {
		return err
	}

	for _, item := range items {
		src := resolveIn(dir, item)
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(src))
		}

		err = os.Rename(src, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

// Rm deletes files and, with -r, directories. -f ignores missing items.
func Rm(dir string, args []string) error {
	flags := helperFlags("rm")
	recursive := flags.BoolP("recursive", "r", false, "recursively delete directories")
	force := flags.BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	if err := flags.Parse(args); err != nil {
		return eris.Wrap(err, "invalid arguments")
	}

	items, err := expandArgs(dir, flags.Args(), *force)
	if err != nil {
		return err
	}

	for _, item := range items {
		info, err := os.Stat(resolveIn(dir, item))
		if err != nil {
			if *force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !*recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		err := os.RemoveAll(resolveIn(dir, item))
		if err != nil {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

// Mkdir creates directories. -p creates missing parents and accepts existing directories.
func Mkdir(dir string, args []string) error {
	flags := helperFlags("mkdir")
	makeParents := flags.BoolP("parents", "p", false, "create parent directories as needed")
	if err := flags.Parse(args); err != nil {
		return eris.Wrap(err, "invalid arguments")
	}

	var err error
	for _, item := range flags.Args() {
		path := resolveIn(dir, item)
		if *makeParents {
			err = os.MkdirAll(path, 0o770)
		} else {
			err = os.Mkdir(path, 0o770)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}
