package node

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/symphony/pkg/log"
)

// RepoFetcher prepares a working tree for an exec's `config.git_repo`:
// clone on first use, otherwise fetch-and-reset in place. git is shelled
// out to as an external process, never linked as a library.
type RepoFetcher struct {
	baseDir string
}

// NewRepoFetcher creates a fetcher rooted at baseDir (default
// "/tmp/symphony/repos").
func NewRepoFetcher(baseDir string) *RepoFetcher {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "symphony", "repos")
	}
	return &RepoFetcher{baseDir: baseDir}
}

// Prepare clones or updates execID's working tree for repoURL at ref,
// authenticating with token if set, and returns the tree's path.
func (f *RepoFetcher) Prepare(ctx context.Context, execID, repoURL, ref, token string) (string, error) {
	dir := filepath.Join(f.baseDir, execID)
	logger := log.WithExecID(execID)

	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", fmt.Errorf("gitrepo: create parent dir: %w", err)
		}
		args := []string{"clone", "--depth", "1"}
		if ref != "" {
			args = append(args, "--branch", ref)
		}
		args = append(args, repoURL, dir)
		logger.Info().Str("repo", repoURL).Msg("cloning repository")
		if err := f.run(ctx, "", args, token); err != nil {
			return "", fmt.Errorf("gitrepo: clone: %w", err)
		}
		return dir, nil
	}

	if err := f.run(ctx, dir, []string{"fetch", "--prune", "--tags"}, token); err != nil {
		return "", fmt.Errorf("gitrepo: fetch: %w", err)
	}

	checkoutTarget := "origin/HEAD"
	args := []string{"reset", "--hard", checkoutTarget}
	if ref != "" {
		args = []string{"checkout", "origin/" + ref}
	}
	if err := f.run(ctx, dir, args, token); err != nil {
		return "", fmt.Errorf("gitrepo: update: %w", err)
	}
	if err := f.run(ctx, dir, []string{"clean", "-fd"}, token); err != nil {
		return "", fmt.Errorf("gitrepo: clean: %w", err)
	}
	return dir, nil
}

func (f *RepoFetcher) run(ctx context.Context, dir string, args []string, token string) error {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=/bin/false",
	)
	if token != "" {
		cmd.Args = append(cmd.Args[:1], append([]string{
			"-c", "http.extraHeader=Authorization: Basic " + basicAuthHeader(token),
		}, cmd.Args[1:]...)...)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %s", err, string(out))
	}
	return nil
}

func basicAuthHeader(token string) string {
	// git wants base64("user:token") for HTTP basic auth; "x-access-token"
	// as the username is the common convention for PAT-style bearer auth.
	return base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
}
