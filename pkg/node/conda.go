package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/types"
)

// forceRecreateSentinel at the head of a custom script forces a rebuild
// even when the environment name already exists.
const forceRecreateSentinel = "__SYMPHONY_FORCE_RECREATE__"

// CondaEnvManager provisions named environments by shelling out to the
// environment-manager binary named by CONDA_PATH (or "conda" if unset).
// Like git, the tool stays an external process rather than a linked
// library.
type CondaEnvManager struct {
	binary string

	mu            sync.Mutex
	failedFingers map[string]string // env name -> last failed spec fingerprint
}

// NewCondaEnvManager creates a manager using binary (falls back to
// $CONDA_PATH, then "conda").
func NewCondaEnvManager(binary string) *CondaEnvManager {
	if binary == "" {
		binary = os.Getenv("CONDA_PATH")
	}
	if binary == "" {
		binary = "conda"
	}
	return &CondaEnvManager{
		binary:        binary,
		failedFingers: make(map[string]string),
	}
}

// ListEnvNames queries the environment manager and returns the deduplicated,
// sorted basenames of its reported environment paths.
func (m *CondaEnvManager) ListEnvNames(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, m.binary, "env", "list", "--json").Output()
	if err != nil {
		return nil, fmt.Errorf("conda: env list: %w", err)
	}

	var parsed struct {
		Envs []string `json:"envs"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("conda: parse env list: %w", err)
	}

	seen := make(map[string]struct{}, len(parsed.Envs))
	names := make([]string, 0, len(parsed.Envs))
	for _, p := range parsed.Envs {
		name := filepath.Base(p)
		if name == "" || name == "." {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// EnsureEnvs creates every spec that is missing (or whose fingerprint
// changed since a prior failure), under an exclusive lock so concurrent
// conda_env_ensure messages do not race each other.
func (m *CondaEnvManager) EnsureEnvs(ctx context.Context, specs []types.CondaEnvSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.ListEnvNames(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, n := range existing {
		have[n] = struct{}{}
	}

	for _, spec := range specs {
		fingerprint := fingerprintSpec(spec)
		forceRecreate := spec.ForceRecreate || strings.HasPrefix(strings.TrimSpace(spec.CustomScript), forceRecreateSentinel)

		if _, exists := have[spec.Name]; exists && !forceRecreate {
			continue
		}
		if last, failed := m.failedFingers[spec.Name]; failed && last == fingerprint {
			condaLogger := log.WithComponent("conda")
			condaLogger.Debug().Str("env", spec.Name).Msg("skipping retry of previously failed spec fingerprint")
			continue
		}

		if err := m.createEnv(ctx, spec); err != nil {
			condaLogger := log.WithComponent("conda")
			condaLogger.Warn().Str("env", spec.Name).Err(err).Msg("environment creation failed, recording fingerprint")
			m.failedFingers[spec.Name] = fingerprint
			_ = exec.CommandContext(ctx, m.binary, "env", "remove", "-n", spec.Name, "-y").Run()
			continue
		}
		delete(m.failedFingers, spec.Name)
	}
	return nil
}

func (m *CondaEnvManager) createEnv(ctx context.Context, spec types.CondaEnvSpec) error {
	args := []string{"create", "-n", spec.Name, "-y"}
	if spec.PythonVersion != "" {
		args = append(args, fmt.Sprintf("python=%s", spec.PythonVersion))
	}
	if out, err := exec.CommandContext(ctx, m.binary, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("create: %w: %s", err, string(out))
	}

	script := strings.TrimPrefix(strings.TrimSpace(spec.CustomScript), forceRecreateSentinel)
	if script != "" {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		cmd := exec.CommandContext(runCtx, "bash", "-lc", script)
		cmd.Env = append(os.Environ(), "CONDA_DEFAULT_ENV="+spec.Name)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("custom script: %w: %s", err, string(out))
		}
	}

	if len(spec.Packages) > 0 {
		installArgs := append([]string{"install", "-n", spec.Name, "-y"}, spec.Packages...)
		if out, err := exec.CommandContext(ctx, m.binary, installArgs...).CombinedOutput(); err != nil {
			return fmt.Errorf("install packages: %w: %s", err, string(out))
		}
	}
	return nil
}

// fingerprintSpec canonically hashes the fields that determine whether a
// retry would behave differently than the last attempt.
func fingerprintSpec(spec types.CondaEnvSpec) string {
	packages := append([]string(nil), spec.Packages...)
	sort.Strings(packages)
	payload, _ := json.Marshal(struct {
		PythonVersion string   `json:"python_version"`
		Packages      []string `json:"packages"`
		CustomScript  string   `json:"custom_script"`
	}{spec.PythonVersion, packages, spec.CustomScript})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ActivationCommand wraps a process command so it runs inside envName
// before exec, used by RunnerExec when config.env_name is set.
func ActivationCommand(binary, envName string, command []string) []string {
	if envName == "" {
		return command
	}
	quoted := make([]string, len(command))
	for i, c := range command {
		quoted[i] = shellQuote(c)
	}
	script := fmt.Sprintf("source %s/etc/profile.d/conda.sh 2>/dev/null || true; conda activate %s && exec %s",
		shellQuote(condaBaseGuess(binary)), shellQuote(envName), strings.Join(quoted, " "))
	return []string{"bash", "-lc", script}
}

func condaBaseGuess(binary string) string {
	// The conda binary lives at <base>/bin/conda or <base>/condabin/conda.
	dir := filepath.Dir(binary)
	base := filepath.Dir(dir)
	if base == "." || base == "/" {
		return "/opt/conda"
	}
	return base
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
