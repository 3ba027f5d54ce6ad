package buildsys

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	"github.com/rotisserie/eris"

	"github.com/nagyistge/egeo.visual.guidelines/pkg/fetch"
	"github.com/nagyistge/egeo.visual.guidelines/pkg/fileset"
	"github.com/nagyistge/egeo.visual.guidelines/pkg/sass"
	"github.com/nagyistge/egeo.visual.guidelines/pkg/serve"
	"github.com/nagyistge/egeo.visual.guidelines/pkg/watch"
)

func (r *Runner) runSass(ctx context.Context, leaf *SassLeaf) error {
	if r.Compiler == nil {
		return withCategory(CategoryConfig, eris.New("no Sass compiler configured"))
	}

	for _, dest := range leaf.Destinations() {
		src := leaf.Files[dest]
		log(ctx).Info().Msgf("Compiling %s to %s", src, dest)

		err := r.Compiler.Compile(ctx, sass.Request{
			Src:       src,
			Dest:      dest,
			Style:     leaf.Style,
			SourceMap: leaf.SourceMap,
			Trace:     leaf.Trace,
			LoadPaths: leaf.LoadPaths,
			Dir:       r.Project.Root,
			Env:       r.Project.Environ(),
		})
		if err != nil {
			var compileErr *sass.CompileError
			if errors.As(err, &compileErr) {
				return withCategory(CategoryCompile, compileErr)
			}
			return withCategory(CategoryConfig, err)
		}
	}

	return nil
}

func (r *Runner) runBatch(ctx context.Context, task *Task, leaf *BatchLeaf) error {
	if r.Commands == nil {
		return withCategory(CategoryConfig, eris.New("no command runner configured"))
	}

	dir := r.Project.Path(leaf.Dir)
	env := r.Project.Environ()
	cmd := Command{
		Name:   task.Name,
		Script: leaf.Cmd,
		Dir:    dir,
		Stdout: r.Stdout,
		Stderr: r.Stderr,
	}

	if len(leaf.Files) == 0 {
		cmd.Env = env
		return r.runCommand(ctx, cmd)
	}

	count := 0
	for _, set := range leaf.Files {
		cwd := r.Project.Path(set.Cwd)
		matches, err := fileset.Expand(cwd, set.Src)
		if err != nil {
			return withCategory(CategoryFilesystem, err)
		}

		for _, match := range matches {
			file := filepath.Join(cwd, filepath.FromSlash(match))
			info, err := os.Stat(file)
			if err != nil {
				return withCategory(CategoryFilesystem, eris.Wrapf(err, "failed to check %s", file))
			}
			if info.IsDir() {
				continue
			}

			relFile, err := filepath.Rel(dir, file)
			if err != nil {
				relFile = file
			}

			cmd.Env = append(env[:len(env):len(env)],
				"FILE="+filepath.ToSlash(relFile),
				"FILE_NAME="+path.Base(match),
			)

			log(ctx).Debug().Str("path", file).Msg("Processing file")
			if err := r.runCommand(ctx, cmd); err != nil {
				return err
			}
			count++
		}
	}

	if count == 0 {
		log(ctx).Warn().Msg("No files matched, nothing to do")
	}

	return nil
}

func (r *Runner) runCommand(ctx context.Context, cmd Command) error {
	err := r.Commands.Run(ctx, cmd)
	if err == nil {
		return nil
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return withCategory(CategoryCommand, cmdErr)
	}

	return withCategory(CategoryCommand, err)
}

// insideRoot reports whether target is a proper descendant of root.
func insideRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}

	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (r *Runner) cleanTargets(pattern string) ([]string, error) {
	if !fileset.HasMeta(pattern) {
		return []string{r.Project.Path(pattern)}, nil
	}

	if filepath.IsAbs(pattern) {
		return filepath.Glob(pattern)
	}

	matches, err := fileset.Expand(r.Project.Root, []string{pattern})
	if err != nil {
		return nil, err
	}

	result := make([]string, len(matches))
	for idx, match := range matches {
		result[idx] = r.Project.Path(match)
	}

	return result, nil
}

func (r *Runner) runClean(ctx context.Context, leaf *CleanLeaf) error {
	// resolve and check everything before deleting anything
	targets := []string{}
	for _, pattern := range leaf.Paths {
		matches, err := r.cleanTargets(pattern)
		if err != nil {
			return withCategory(CategoryFilesystem, eris.Wrapf(err, "failed to resolve %s", pattern))
		}

		for _, target := range matches {
			if !leaf.Force && !insideRoot(r.Project.Root, target) {
				return withCategory(CategoryConfig, eris.Wrapf(ErrUnsafeClean, "%s (use force to allow this)", target))
			}
		}
		targets = append(targets, matches...)
	}

	for _, target := range targets {
		if _, err := os.Lstat(target); err != nil {
			if eris.Is(err, os.ErrNotExist) {
				log(ctx).Debug().Str("path", target).Msgf("%s does not exist", target)
				continue
			}
			return withCategory(CategoryFilesystem, eris.Wrapf(err, "failed to check %s", target))
		}

		log(ctx).Info().Str("path", target).Msgf("Cleaning %s", target)
		err := os.RemoveAll(target)
		if err != nil {
			return withCategory(CategoryFilesystem, eris.Wrapf(err, "could not delete %s", target))
		}
	}

	return nil
}

func (r *Runner) runCopy(ctx context.Context, leaf *CopyLeaf) error {
	for _, set := range leaf.Files {
		cwd := r.Project.Path(set.Cwd)
		dest := r.Project.Path(set.Dest)

		matches, err := fileset.Expand(cwd, set.Src)
		if err != nil {
			return withCategory(CategoryFilesystem, err)
		}

		files := 0
		for _, match := range matches {
			src := filepath.Join(cwd, filepath.FromSlash(match))
			target := filepath.Join(dest, filepath.FromSlash(match))

			info, err := os.Stat(src)
			if err != nil {
				return withCategory(CategoryFilesystem, eris.Wrapf(err, "failed to check %s", src))
			}

			if info.IsDir() {
				err = os.MkdirAll(target, 0o755)
				if err != nil {
					return withCategory(CategoryFilesystem, eris.Wrapf(err, "failed to create %s", target))
				}
				continue
			}

			err = os.MkdirAll(filepath.Dir(target), 0o755)
			if err != nil {
				return withCategory(CategoryFilesystem, eris.Wrapf(err, "failed to create %s", filepath.Dir(target)))
			}

			err = copy.Copy(src, target)
			if err != nil {
				return withCategory(CategoryFilesystem, eris.Wrapf(err, "failed to copy %s to %s", src, target))
			}
			files++
		}

		log(ctx).Info().Str("path", dest).Msgf("Copied %d files from %s to %s", files, cwd, dest)
	}

	return nil
}

func (r *Runner) runConnect(ctx context.Context, leaf *ConnectLeaf) error {
	srv := serve.New(serve.Options{
		Hostname: leaf.Hostname,
		Port:     leaf.Port,
		Base:     r.Project.Path(leaf.Base),
		Compress: leaf.Compress,
	}, *log(ctx))

	_, err := srv.Start()
	if err != nil {
		return withCategory(CategoryNetwork, err)
	}

	if leaf.Keepalive {
		log(ctx).Info().Msg("Waiting forever...")
		return withCategory(CategoryNetwork, srv.Wait(ctx))
	}

	go func() {
		err := srv.Wait(ctx)
		if err != nil {
			log(ctx).Error().Err(err).Msg("Server failed")
		}
	}()

	return nil
}

func (r *Runner) runWatch(ctx context.Context, leaf *WatchLeaf) error {
	debounce := leaf.Debounce
	if debounce == 0 {
		debounce = r.WatchDebounce
	}

	w := watch.New(watch.Options{
		Root:     r.Project.Root,
		Patterns: leaf.Files,
		Debounce: debounce,
		Spawn:    leaf.Spawn,
	}, func(ctx context.Context, changed []string) error {
		log(ctx).Info().Msgf("%d file(s) changed, running %s", len(changed), strings.Join(leaf.Tasks, ", "))
		return r.Run(ctx, leaf.Tasks...)
	}, *log(ctx))

	return withCategory(CategoryFilesystem, w.Run(ctx))
}

func (r *Runner) runFetch(ctx context.Context, leaf *FetchLeaf) error {
	spec := fetch.Spec{
		URL:      leaf.URL,
		Sha256:   leaf.Sha256,
		Dest:     r.Project.Path(leaf.Dest),
		Strip:    leaf.Strip,
		MarkExec: leaf.MarkExec,
	}

	fetched, err := r.fetcher(ctx).Fetch(ctx, spec)
	if err != nil {
		if eris.Is(err, fetch.ErrChecksumMismatch) || eris.Is(err, fetch.ErrMissingChecksum) ||
			eris.Is(err, fetch.ErrUnsupported) {
			return withCategory(CategoryConfig, err)
		}
		return withCategory(CategoryNetwork, err)
	}

	if !fetched {
		log(ctx).Info().Msgf("%s is up to date", leaf.Dest)
	}
	return nil
}
