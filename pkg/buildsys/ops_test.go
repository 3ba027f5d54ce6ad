package buildsys

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestCleanRemovesTargets(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"dist/styleguide/index.html": "old",
		"dist/keep.css":              "keep",
		"tmp/a.log":                  "",
		"tmp/b.log":                  "",
		"tmp/c.txt":                  "",
	})

	project := loadProject(t, root, `
def configure():
    clean("styleguide", paths = ["dist/styleguide", "missing/dir"])
    clean("logs", paths = ["tmp/*.log"])
`, nil)
	runner, _, _ := newTestRunner(project)

	require.NoError(t, runner.Run(testCtx(), "clean"))
	assert.NoDirExists(t, filepath.Join(root, "dist", "styleguide"))
	assert.FileExists(t, filepath.Join(root, "dist", "keep.css"))
	assert.NoFileExists(t, filepath.Join(root, "tmp", "a.log"))
	assert.NoFileExists(t, filepath.Join(root, "tmp", "b.log"))
	assert.FileExists(t, filepath.Join(root, "tmp", "c.txt"))

	// a second run finds nothing and still succeeds
	require.NoError(t, runner.Run(testCtx(), "clean:styleguide"))
}

func TestCleanRefusesPathsOutsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "project")
	writeFiles(t, parent, map[string]string{"outside/file.txt": "x", "project/tasks.star": ""})

	project := loadProject(t, root, `
def configure():
    clean("unsafe", paths = ["../outside"])
    clean("root", paths = ["."])
    clean("forced", paths = ["../outside"], force = True)
`, nil)
	runner, _, _ := newTestRunner(project)

	err := runner.Run(testCtx(), "clean:unsafe")
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, CategoryConfig, stepErr.Category)
	assert.True(t, eris.Is(err, ErrUnsafeClean))
	assert.DirExists(t, filepath.Join(parent, "outside"))

	err = runner.Run(testCtx(), "clean:root")
	assert.True(t, eris.Is(err, ErrUnsafeClean))
	assert.DirExists(t, root)

	require.NoError(t, runner.Run(testCtx(), "clean:forced"))
	assert.NoDirExists(t, filepath.Join(parent, "outside"))
}

func TestCopyKeepsRelativePaths(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"node_modules/egeo.ui.base/dist/assets/fonts/icons.woff": "font",
		"node_modules/egeo.ui.base/dist/other/skip.txt":          "skip",
		"src/assets/images/logo.svg":                             "<svg/>",
	})

	project := loadProject(t, root, `
app = config(src = "src", dist = "dist", egeoBase = "node_modules/egeo.ui.base/dist/", assets = "assets")

def configure():
    copy("styleguide", files = [
        fileset(cwd = "<%= app.egeoBase %>", src = ["<%= app.assets %>/**"], dest = "<%= app.dist %>/public"),
        fileset(cwd = "<%= app.src %>", src = ["<%= app.assets %>/**"], dest = "<%= app.dist %>/public"),
        fileset(cwd = "does/not/exist", src = ["**"], dest = "<%= app.dist %>/public"),
    ])
`, nil)
	runner, _, _ := newTestRunner(project)

	require.NoError(t, runner.Run(testCtx(), "copy:styleguide"))

	content, err := os.ReadFile(filepath.Join(root, "dist", "public", "assets", "fonts", "icons.woff"))
	require.NoError(t, err)
	assert.Equal(t, "font", string(content))
	assert.FileExists(t, filepath.Join(root, "dist", "public", "assets", "images", "logo.svg"))
	assert.NoFileExists(t, filepath.Join(root, "dist", "public", "other", "skip.txt"))
	assert.FileExists(t, filepath.Join(root, "src", "assets", "images", "logo.svg"))
}

func TestBatchRunsOncePerMatchedFile(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/buttons.scss":    "",
		"src/forms.scss":      "",
		"src/_variables.scss": "",
		"src/styleguide.scss": "",
		"src/readme.md":       "",
	})

	project := loadProject(t, root, `
app = config(src = "src", styleguide = "styleguide")

def configure():
    batch("doc",
        cmd = "echo \"$FILE $FILE_NAME\" >> calls.txt",
        files = [fileset(cwd = "<%= app.src %>", src = ["*.scss", "!_*.scss", "!<%= app.styleguide %>.scss"])],
    )
    batch("nothing", cmd = "echo never >> calls.txt", files = [fileset(cwd = "src", src = ["*.less"])])
`, nil)
	runner, _, _ := newTestRunner(project)

	require.NoError(t, runner.Run(testCtx(), "batch:doc", "batch:nothing"))

	content, err := os.ReadFile(filepath.Join(root, "calls.txt"))
	require.NoError(t, err)
	assert.Equal(t, "src/buttons.scss buttons.scss\nsrc/forms.scss forms.scss\n", string(content))
}

func TestShellHelpersRunInProcess(t *testing.T) {
	root := t.TempDir()
	project := loadProject(t, root, `
def configure():
    batch("files", cmd = """
mkdir -p out/a/b
echo hello > out/a/b/file.txt
mv out/a/b/file.txt out/moved.txt
rm -r out/a
rm -f does-not-exist
""")
    batch("broken", cmd = "rm missing-file")
`, nil)
	runner, _, out := newTestRunner(project)

	require.NoError(t, runner.Run(testCtx(), "batch:files"))
	assert.FileExists(t, filepath.Join(root, "out", "moved.txt"))
	assert.NoDirExists(t, filepath.Join(root, "out", "a"))

	err := runner.Run(testCtx(), "batch:broken")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.EqualValues(t, 1, cmdErr.Status)
	assert.Contains(t, out.String(), "rm:")
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func TestConnectServesBase(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"dist/styleguide/index.html": "<h1>Styleguide</h1>"})
	port := freePort(t)

	project := loadProject(t, root, `
port = option("port", "9001")

def configure():
    connect("server", hostname = "127.0.0.1", port = int(port), base = "dist/styleguide")
`, map[string]string{"port": strconv.Itoa(port)})
	runner, _, _ := newTestRunner(project)

	ctx, cancel := context.WithCancel(testCtx())
	defer cancel()
	require.NoError(t, runner.Run(ctx, "connect"))

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Styleguide")
}

func TestConnectKeepaliveBlocksUntilCancelled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"site/index.html": "ok"})
	port := freePort(t)

	project := loadProject(t, root, `
def configure():
    connect("server", hostname = "127.0.0.1", port = `+strconv.Itoa(port)+`, base = "site", keepalive = True)
`, nil)
	runner, _, _ := newTestRunner(project)

	ctx, cancel := context.WithCancel(testCtx())
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx, "connect:server")
	}()

	select {
	case err := <-done:
		t.Fatalf("keepalive server returned early: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestWatchRerunsTasks(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"src/main.scss": "a {}"})

	project := loadProject(t, root, `
def configure():
    batch("mark", cmd = "echo run >> runs.txt")
    watch("sass", files = ["src/**/*.scss"], tasks = ["batch:mark"], debounce = "50ms")
`, nil)
	runner, _, _ := newTestRunner(project)

	ctx, cancel := context.WithCancel(testCtx())
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx, "watch:sass")
	}()

	// give the watcher time to register its directories
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.scss"), []byte("a { b: "+strconv.Itoa(i)+" }"), 0o644))
	}

	assert.Eventually(t, func() bool {
		content, err := os.ReadFile(filepath.Join(root, "runs.txt"))
		return err == nil && strings.Count(string(content), "run") >= 1
	}, 5*time.Second, 20*time.Millisecond)

	// well past the debounce window; the three writes form a single batch
	time.Sleep(300 * time.Millisecond)
	content, err := os.ReadFile(filepath.Join(root, "runs.txt"))
	require.NoError(t, err)
	assert.Equal(t, "run\n", string(content))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestDocEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("the fake documentation generator is a shell script")
	}

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/buttons.scss":                                   ".btn {}",
		"src/_variables.scss":                                "$c: red;",
		"src/styleguide.scss":                                "body {}",
		"src/assets/fonts/icons.woff":                        "font",
		"node_modules/egeo.ui.base/dist/assets/img/logo.svg": "<svg/>",
		"dist/styleguide/stale.html":                         "stale",
		"vendors/kss-template/index.hbs":                     "",
	})

	generator := filepath.Join(root, "node_modules", ".bin", "kss-node")
	require.NoError(t, os.MkdirAll(filepath.Dir(generator), 0o755))
	require.NoError(t, os.WriteFile(generator, []byte(`#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --destination) dest="$2"; shift ;;
  esac
  shift
done
mkdir -p "$dest"
echo "<html>styleguide</html>" > "$dest/index.html"
echo "$FILE" >> "$dest/sources.txt"
`), 0o755))

	project, err := RunDefault(testCtx(), root, nil)
	require.NoError(t, err)
	runner, compiler, _ := newTestRunner(project)

	require.NoError(t, runner.Run(testCtx(), "default"))

	out := filepath.Join(root, "dist", "styleguide")
	assert.NoFileExists(t, filepath.Join(out, "stale.html"))
	assert.FileExists(t, filepath.Join(out, "index.html"))
	assert.FileExists(t, filepath.Join(out, "public", "assets", "fonts", "icons.woff"))
	assert.FileExists(t, filepath.Join(out, "public", "assets", "img", "logo.svg"))
	assert.FileExists(t, filepath.Join(out, "public", "styleguide.css"))

	sources, err := os.ReadFile(filepath.Join(out, "sources.txt"))
	require.NoError(t, err)
	assert.Equal(t, "src/buttons.scss\n", string(sources))

	require.Equal(t, 1, compiler.count())
	assert.Equal(t, "src/styleguide.scss", compiler.calls[0].Src)
	assert.Equal(t, "dist/styleguide/public/styleguide.css", compiler.calls[0].Dest)
	assert.Equal(t, "compressed", compiler.calls[0].Style)
	assert.Equal(t, "auto", compiler.calls[0].SourceMap)

	names := []string{}
	for _, timing := range runner.Timings() {
		names = append(names, timing.Task)
	}
	assert.Equal(t, []string{"clean:styleguide", "batch:doc", "copy:styleguide", "sass:styleguide"}, names)
}

func TestSassWatchQueuesChangesDuringDoc(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("the fake documentation generator is a shell script")
	}

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/buttons.scss":                                   ".btn {}",
		"src/styleguide.scss":                                "body {}",
		"node_modules/egeo.ui.base/dist/assets/img/logo.svg": "<svg/>",
	})

	generator := filepath.Join(root, "node_modules", ".bin", "kss-node")
	require.NoError(t, os.MkdirAll(filepath.Dir(generator), 0o755))
	require.NoError(t, os.WriteFile(generator, []byte(`#!/bin/sh
if ! mkdir generator.lock 2>/dev/null; then
  echo overlap >> generator.log
  exit 1
fi
echo start >> generator.log
sleep 1
echo end >> generator.log
rmdir generator.lock
`), 0o755))

	project, err := RunDefault(testCtx(), root, nil)
	require.NoError(t, err)
	runner, _, _ := newTestRunner(project)
	runner.WatchDebounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(testCtx())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx, "sass-watch")
	}()

	readLog := func() string {
		content, _ := os.ReadFile(filepath.Join(root, "generator.log"))
		return string(content)
	}

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "buttons.scss"), []byte(".btn { a: 1 }"), 0o644))
	require.Eventually(t, func() bool { return readLog() == "start\n" }, 5*time.Second, 10*time.Millisecond)

	// the first doc run is still inside the generator
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "buttons.scss"), []byte(".btn { a: 2 }"), 0o644))

	require.Eventually(t, func() bool { return strings.Count(readLog(), "end") == 2 }, 10*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "start\nend\nstart\nend\n", readLog())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
