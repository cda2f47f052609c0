package deploy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) notify(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestRunWritesArtifactsAndLaunches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a/run.sh", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "echo payload")
	})
	mux.HandleFunc("/b/data.txt", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "nested", "deploy")
	rec := &recorder{}
	d := New(dir, "echo started > marker.txt", []string{
		srv.URL + "/a/run.sh",
		srv.URL + "/b/data.txt",
	}, testLogger(), rec.notify)

	require.NoError(t, d.Run(context.Background()))

	body, err := os.ReadFile(filepath.Join(dir, "run.sh"))
	require.NoError(t, err)
	require.Equal(t, "echo payload", string(body))

	body, err = os.ReadFile(filepath.Join(dir, "data.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	// The command ran with the deploy dir as working directory.
	_, err = os.Stat(filepath.Join(dir, "marker.txt"))
	require.NoError(t, err)

	require.Equal(t, []string{
		EventDownloadStart, EventDownloadComplete,
		EventDownloadStart, EventDownloadComplete,
		EventDeployFilesWritten,
		EventExecStart, EventExecSuccess,
	}, rec.names())
}

func TestRunAbortsOnFirstFailedArtifact(t *testing.T) {
	var requested []string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		switch r.URL.Path {
		case "/one.sh":
			io.WriteString(w, "ok")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	d := New(dir, "true", []string{
		srv.URL + "/one.sh",
		srv.URL + "/two.sh",
		srv.URL + "/three.sh",
	}, testLogger(), nil)

	err := d.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "two.sh")

	// The failure on the second artifact aborted before the third.
	require.NotContains(t, requested, "/three.sh")

	_, statErr := os.Stat(filepath.Join(dir, "one.sh"))
	require.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(dir, "two.sh"))
	require.True(t, os.IsNotExist(statErr))
}

func TestRunOverwritesExistingArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "new contents")
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.sh"), []byte("old"), 0o644))

	d := New(dir, "true", []string{srv.URL + "/app.sh"}, testLogger(), nil)
	require.NoError(t, d.Run(context.Background()))

	body, err := os.ReadFile(filepath.Join(dir, "app.sh"))
	require.NoError(t, err)
	require.Equal(t, "new contents", string(body))
}

func TestArtifactNameIgnoresQuery(t *testing.T) {
	name, err := artifactName("http://host/files/tool.sh?version=2")
	require.NoError(t, err)
	require.Equal(t, "tool.sh", name)

	_, err = artifactName("http://host/")
	require.Error(t, err)
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	rec := &recorder{}
	d := New(t.TempDir(), "exit 3", nil, testLogger(), rec.notify)

	err := d.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, rec.names(), EventExecError)
	require.NotContains(t, rec.names(), EventExecSuccess)
}

func TestRunRequiresLaunchCommand(t *testing.T) {
	d := New(t.TempDir(), "", nil, testLogger(), nil)
	require.Error(t, d.Run(context.Background()))
}
