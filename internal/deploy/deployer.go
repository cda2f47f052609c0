package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Event names emitted through the Notify callback at each step boundary.
const (
	EventDownloadStart      = "downloadStart"
	EventDownloadComplete   = "downloadComplete"
	EventDeployFilesWritten = "deployFilesWritten"
	EventExecStart          = "execStart"
	EventExecSuccess        = "execSuccess"
	EventExecError          = "execError"
)

// maxCapturedOutput bounds how much of the launched process output is
// kept for logging and the exec events.
const maxCapturedOutput = 8 * 1024

// Notify receives progress events from a running deployment.
type Notify func(event string, payload any)

// Deployer downloads the configured artifacts into a local directory and
// launches a command there. Any step failure aborts the remainder.
type Deployer struct {
	dir     string
	command string
	urls    []string

	http   *http.Client
	logger *slog.Logger
	notify Notify
}

// New creates a Deployer. Artifact downloads go through a retrying HTTP
// client; an exhausted retry budget is still a hard failure for the
// deployment as a whole.
func New(dir, command string, urls []string, logger *slog.Logger, notify Notify) *Deployer {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil // suppress default logging

	if notify == nil {
		notify = func(string, any) {}
	}

	return &Deployer{
		dir:     dir,
		command: command,
		urls:    urls,
		http:    retryClient.StandardClient(),
		logger:  logger,
		notify:  notify,
	}
}

// Run executes the full deploy sequence: ensure the deploy directory,
// fetch every artifact in order, then launch the command with the deploy
// directory as its working directory. Run blocks until the launched
// process exits; a non-zero exit is a failure.
func (d *Deployer) Run(ctx context.Context) error {
	if d.command == "" {
		return fmt.Errorf("no launch command configured")
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create deploy dir %s: %w", d.dir, err)
	}

	for _, rawURL := range d.urls {
		name, err := artifactName(rawURL)
		if err != nil {
			return err
		}
		d.notify(EventDownloadStart, name)

		if err := d.download(ctx, rawURL, name); err != nil {
			return err
		}

		d.logger.Info("artifact written", "file", name, "dir", d.dir)
		d.notify(EventDownloadComplete, name)
	}
	d.notify(EventDeployFilesWritten, len(d.urls))

	return d.launch(ctx)
}

// artifactName derives the local filename from the URL's final path segment.
func artifactName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse artifact url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("artifact url %q has no filename", rawURL)
	}
	return name, nil
}

func (d *Deployer) download(ctx context.Context, rawURL, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", rawURL, err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", rawURL, err)
	}

	dest := filepath.Join(d.dir, name)
	if err := os.WriteFile(dest, body, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

// launch runs the configured command through the shell. No timeout is
// imposed: the launched program may be long-running by design, and the
// deploy phase owns it until it exits.
func (d *Deployer) launch(ctx context.Context) error {
	d.notify(EventExecStart, d.command)
	d.logger.Info("launching deploy command", "command", d.command, "dir", d.dir)

	cmd := exec.CommandContext(ctx, "sh", "-c", d.command)
	cmd.Dir = d.dir

	out, err := cmd.CombinedOutput()
	if len(out) > maxCapturedOutput {
		out = out[:maxCapturedOutput]
	}
	if err != nil {
		d.logger.Error("deploy command failed", "err", err, "output", string(out))
		d.notify(EventExecError, err)
		return fmt.Errorf("launch %q: %w", d.command, err)
	}

	d.logger.Info("deploy command succeeded", "output", string(out))
	d.notify(EventExecSuccess, string(out))
	return nil
}
