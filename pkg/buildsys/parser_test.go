package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx() context.Context {
	logger := zerolog.Nop()
	return WithLogger(context.Background(), &logger)
}

func loadProject(t *testing.T, root, script string, options map[string]string) *Project {
	t.Helper()
	project, err := RunSource(testCtx(), filepath.Join(root, ScriptName), []byte(script), root, options)
	require.NoError(t, err)
	return project
}

const fixtureScript = `
app = config(src = "src", dist = "dist", public = "<%= app.dist %>/public")
mode = option("mode", "dev", "build mode")
setenv("STYLEGUIDE_MODE", mode)

def configure():
    clean("dist", paths = ["<%= app.dist %>"])
    copy("assets", files = [fileset(cwd = "<%= app.src %>", src = "assets/**", dest = "<%= app.public %>")])
    task("build", [
        "clean:dist",
        sass(files = {"<%= app.public %>/main.css": "<%= app.src %>/main.scss"}),
        "copy:assets",
    ], desc = "Builds everything")
    task("internal", ["build"], hidden = True)
`

func TestRunSourceCollectsTasks(t *testing.T) {
	root := t.TempDir()
	project := loadProject(t, root, fixtureScript, map[string]string{"dist": "out", "mode": "release"})

	assert.Equal(t, root, project.Root)
	value, _ := project.Config.Get("public")
	assert.Equal(t, "out/public", value)

	assert.Equal(t, []string{"build", "clean:dist", "copy:assets"}, project.Tasks.Names())

	build, ok := project.Tasks.Get("build")
	require.True(t, ok)
	assert.Equal(t, KindComposite, build.Kind())
	assert.Equal(t, "Builds everything", build.Desc)
	require.Len(t, build.Steps, 3)
	assert.True(t, strings.HasPrefix(build.Steps[1], "sass:auto#"))

	inline, ok := project.Tasks.Get(build.Steps[1])
	require.True(t, ok)
	assert.True(t, inline.Hidden)
	assert.Equal(t, KindSass, inline.Kind())

	assert.Contains(t, project.Options, "mode")
	assert.Contains(t, project.Options, "dist")
	assert.Equal(t, "dist", project.Options["dist"].Default())
	assert.Contains(t, project.Environ(), "STYLEGUIDE_MODE=release")
}

func TestRunSourceDeclarationsOnlyInConfigure(t *testing.T) {
	root := t.TempDir()
	_, err := RunSource(testCtx(), filepath.Join(root, ScriptName), []byte(`
clean("dist", paths = ["dist"])
def configure():
    pass
`), root, nil)
	assert.Error(t, err)

	_, err = RunSource(testCtx(), filepath.Join(root, ScriptName), []byte(`
def configure():
    config(src = "src")
`), root, nil)
	assert.Error(t, err)
}

func TestRunSourceRequiresConfigure(t *testing.T) {
	root := t.TempDir()
	_, err := RunSource(testCtx(), filepath.Join(root, ScriptName), []byte(`app = config(src = "src")`), root, nil)
	assert.Error(t, err)
}

func TestRunSourceValidatesLeafOptions(t *testing.T) {
	root := t.TempDir()
	for _, script := range []string{
		`sass("x", files = {"a.css": "a.scss"}, style = "nested")`,
		`sass("x", files = {})`,
		`copy("x", files = [fileset(src = ["*"])])`,
		`watch("x", files = ["*.scss"], tasks = [], debounce = "1s")`,
		`watch("x", files = ["*.scss"], tasks = ["doc"], debounce = "soon")`,
		`batch("x", cmd = "")`,
		`clean("a:b", paths = ["dist"])`,
		`task("configure", [])`,
	} {
		_, err := RunSource(testCtx(), filepath.Join(root, ScriptName), []byte("def configure():\n    "+script+"\n"), root, nil)
		assert.Error(t, err, script)
	}
}

func TestRunSourceReadsDotEnvAndYaml(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("STYLEGUIDE_TEST_TOKEN=from-dotenv\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.yaml"), []byte("name: egeo\nversions:\n  - 1.0.0\n  - 1.1.0\n"), 0o644))

	project := loadProject(t, root, `
token = getenv("STYLEGUIDE_TEST_TOKEN")
version = read_yaml("package.yaml", "versions.1", "none")
missing = read_yaml("package.yaml", "versions.5", "none")

def configure():
    if not isfile("package.yaml") or isdir("package.yaml"):
        error("isfile/isdir are broken")
    task(token + "-" + version + "-" + missing, [])
`, nil)

	_, ok := project.Tasks.Get("from-dotenv-1.1.0-none")
	assert.True(t, ok)
	assert.Contains(t, project.Environ(), "STYLEGUIDE_TEST_TOKEN=from-dotenv")
}

func TestDefaultScript(t *testing.T) {
	project, err := RunDefault(testCtx(), t.TempDir(), nil)
	require.NoError(t, err)

	doc, ok := project.Tasks.Get("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"clean:styleguide", "batch:doc", "copy:styleguide", "sass:styleguide"}, doc.Steps)

	def, ok := project.Tasks.Get("default")
	require.True(t, ok)
	assert.Equal(t, []string{"doc"}, def.Steps)

	serve, ok := project.Tasks.Get("serve")
	require.True(t, ok)
	assert.Equal(t, []string{"connect"}, serve.Steps)

	sassWatch, ok := project.Tasks.Get("sass-watch")
	require.True(t, ok)
	assert.Equal(t, []string{"watch:sass"}, sassWatch.Steps)

	connect, ok := project.Tasks.Get("connect:server")
	require.True(t, ok)
	assert.Equal(t, 9001, connect.Leaf.(*ConnectLeaf).Port)
	assert.True(t, connect.Leaf.(*ConnectLeaf).Keepalive)

	watchTask, ok := project.Tasks.Get("watch:sass")
	require.True(t, ok)
	assert.Equal(t, []string{"doc"}, watchTask.Leaf.(*WatchLeaf).Tasks)
	assert.False(t, watchTask.Leaf.(*WatchLeaf).Spawn, "doc runs must not overlap")
}
