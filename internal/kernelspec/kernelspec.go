// Package kernelspec discovers installed kernel specifications.
//
// A kernel spec lives at <data dir>/kernels/<name>/kernel.json. Data dirs are
// searched in precedence order and the first spec found for a name wins.
package kernelspec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/kernelbridge/internal/tools"
	"github.com/rs/zerolog/log"
)

const (
	EnvJupyterPath    = "JUPYTER_PATH"
	EnvJupyterDataDir = "JUPYTER_DATA_DIR"

	specFile = "kernel.json"
)

var ErrInvalidSpec = errors.New("kernelspec: invalid kernel.json")

// DefaultSystemDirs are searched after every user and environment dir.
var DefaultSystemDirs = []string{"/usr/local/share/jupyter", "/usr/share/jupyter"}

// Spec is the content of one kernel.json.
type Spec struct {
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Dir is one discovered kernel spec and the directory holding it.
type Dir struct {
	KernelName string `json:"kernel_name"`
	Path       string `json:"path"`
	Spec       Spec   `json:"kernelspec"`
}

// Finder resolves data dirs from the environment. Zero fields fall back to the
// process environment and host commands.
type Finder struct {
	Runner     tools.CommandRunner
	Getenv     func(string) string
	HomeDir    func() (string, error)
	GOOS       string
	SystemDirs []string
	// CommandTimeout bounds the `jupyter --paths` probe.
	CommandTimeout time.Duration
}

func NewFinder() *Finder {
	return &Finder{
		Runner:         tools.ExecRunner{},
		Getenv:         os.Getenv,
		HomeDir:        os.UserHomeDir,
		GOOS:           runtime.GOOS,
		SystemDirs:     DefaultSystemDirs,
		CommandTimeout: 5 * time.Second,
	}
}

// ListKernels returns every discovered spec sorted by kernel name.
func (f *Finder) ListKernels(ctx context.Context) ([]Dir, error) {
	seen := make(map[string]struct{})
	out := make([]Dir, 0)
	for _, dataDir := range f.DataDirs(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(filepath.Join(dataDir, "kernels"))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			path := filepath.Join(dataDir, "kernels", name)
			spec, err := ReadSpec(filepath.Join(path, specFile))
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					log.Warn().Err(err).Str("path", path).Msg("skip kernel spec")
				}
				continue
			}
			seen[name] = struct{}{}
			out = append(out, Dir{KernelName: name, Path: path, Spec: spec})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KernelName < out[j].KernelName })
	return out, nil
}

// DataDirs returns the search path in precedence order without duplicates.
func (f *Finder) DataDirs(ctx context.Context) []string {
	var dirs []string
	if raw := f.getenv(EnvJupyterPath); raw != "" {
		dirs = append(dirs, filepath.SplitList(raw)...)
	}
	if user := f.userDataDir(); user != "" {
		dirs = append(dirs, user)
	}
	dirs = append(dirs, f.jupyterPaths(ctx)...)
	if f.SystemDirs != nil {
		dirs = append(dirs, f.SystemDirs...)
	} else {
		dirs = append(dirs, DefaultSystemDirs...)
	}

	seen := make(map[string]struct{}, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		d = filepath.Clean(d)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func (f *Finder) userDataDir() string {
	if dir := f.getenv(EnvJupyterDataDir); dir != "" {
		return dir
	}
	home := ""
	if f.HomeDir != nil {
		home, _ = f.HomeDir()
	}
	switch f.goos() {
	case "darwin":
		if home == "" {
			return ""
		}
		return filepath.Join(home, "Library", "Jupyter")
	case "windows":
		if appdata := f.getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "jupyter")
		}
		return ""
	default:
		if xdg := f.getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "jupyter")
		}
		if home == "" {
			return ""
		}
		return filepath.Join(home, ".local", "share", "jupyter")
	}
}

// jupyterPaths asks an installed jupyter for its data dirs.
func (f *Finder) jupyterPaths(ctx context.Context) []string {
	if f.Runner == nil {
		return nil
	}
	if _, err := f.Runner.LookPath("jupyter"); err != nil {
		return nil
	}
	timeout := f.CommandTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, code, err := f.Runner.Run(ctx, "jupyter", "--paths", "--json")
	if err != nil {
		log.Debug().Err(err).Int("exit_code", code).Str("stderr", strings.TrimSpace(string(stderr))).Msg("jupyter --paths failed")
		return nil
	}
	var paths struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(stdout, &paths); err != nil {
		log.Debug().Err(err).Msg("jupyter --paths output not json")
		return nil
	}
	return paths.Data
}

func (f *Finder) getenv(key string) string {
	if f.Getenv == nil {
		return os.Getenv(key)
	}
	return f.Getenv(key)
}

func (f *Finder) goos() string {
	if f.GOOS == "" {
		return runtime.GOOS
	}
	return f.GOOS
}

// ReadSpec loads one kernel.json.
func ReadSpec(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, err
	}
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return Spec{}, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, path, err)
	}
	if len(spec.Argv) == 0 {
		return Spec{}, fmt.Errorf("%w: %s: empty argv", ErrInvalidSpec, path)
	}
	return spec, nil
}
