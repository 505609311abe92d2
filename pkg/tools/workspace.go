package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/harun/lunar/pkg/capability"
	"github.com/rs/zerolog"
)

const (
	msgEscapeDenied = "Error: Navigation outside workspace (..) is not allowed for safety."
	msgRemoveDenied = "Error: Removing files is not allowed in the workspace."
	msgNoOutput     = "Command executed successfully (no output)."
)

var removeCommand = regexp.MustCompile(`(^|[\s;&|()])rm(\s|$)`)

type workspace struct {
	root    string
	timeout time.Duration
	maxRead int64
	logger  zerolog.Logger
}

type pathArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Path relative to the workspace root"`
}

type readArgs struct {
	Path string `json:"path" jsonschema:"description=Path relative to the workspace root"`
}

type patternArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern matched against paths relative to the workspace (e.g. *.md or notes/*.txt)"`
}

type commandArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to run inside the workspace"`
}

type entry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type match struct {
	Path  string    `json:"path"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

func (w *workspace) listDirectory() capability.Capability {
	return capability.New("list_directory", "List files and directories in the workspace.",
		func(_ context.Context, in pathArgs) (interface{}, error) {
			target := in.Path
			if strings.TrimSpace(target) == "" {
				target = "."
			}
			dir, err := ResolveWorkspacePath(w.root, target)
			if err != nil {
				return msgEscapeDenied, nil
			}
			items, err := os.ReadDir(dir)
			if errors.Is(err, fs.ErrNotExist) {
				return "Directory does not exist.", nil
			}
			if err != nil {
				return nil, err
			}
			out := make([]entry, 0, len(items))
			for _, it := range items {
				kind := "file"
				if it.IsDir() {
					kind = "directory"
				}
				out = append(out, entry{Name: it.Name(), Type: kind})
			}
			return out, nil
		})
}

func (w *workspace) searchFiles() capability.Capability {
	return capability.New("search_files", "Find workspace files whose relative path matches a glob pattern.",
		func(ctx context.Context, in patternArgs) (interface{}, error) {
			pattern := strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(in.Pattern)), "./")
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Sprintf("Error: invalid pattern %q.", in.Pattern), nil
			}

			var found []match
			err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					if d.Name() == ".git" || d.Name() == "node_modules" {
						return filepath.SkipDir
					}
					return nil
				}
				rel, err := filepath.Rel(w.root, p)
				if err != nil {
					return nil
				}
				if !globMatch(pattern, filepath.ToSlash(rel)) {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					return nil
				}
				found = append(found, match{Path: filepath.ToSlash(rel), Size: info.Size(), MTime: info.ModTime()})
				return nil
			})
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				return "No files found matching pattern.", nil
			}
			return found, nil
		})
}

// globMatch matches rel against pattern. A "**/" prefix matches any
// number of leading directories, and a pattern without a slash also
// matches the base name.
func globMatch(pattern, rel string) bool {
	for strings.HasPrefix(pattern, "**/") {
		pattern = strings.TrimPrefix(pattern, "**/")
		if !strings.Contains(pattern, "/") {
			break
		}
		parts := strings.Split(rel, "/")
		for i := range parts {
			if ok, _ := path.Match(pattern, strings.Join(parts[i:], "/")); ok {
				return true
			}
		}
		return false
	}
	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}
	return false
}

func (w *workspace) readFile() capability.Capability {
	return capability.New("read_file", "Read a text file from the workspace.",
		func(_ context.Context, in readArgs) (interface{}, error) {
			target, err := ResolveWorkspacePath(w.root, in.Path)
			if err != nil {
				return msgEscapeDenied, nil
			}
			data, truncated, err := readFileWithLimit(target, w.maxRead)
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Sprintf("Error: File %s does not exist.", in.Path), nil
			}
			if err != nil {
				return nil, err
			}
			out := string(data)
			if truncated {
				out += "\n... [file truncated]"
			}
			return out, nil
		})
}

func (w *workspace) executeCommand() capability.Capability {
	return capability.New("execute_command", "Run a shell command with the workspace as working directory.",
		func(ctx context.Context, in commandArgs) (interface{}, error) {
			command := strings.TrimSpace(in.Command)
			if command == "" {
				return "Error: command is empty.", nil
			}
			if strings.Contains(command, "..") {
				return msgEscapeDenied, nil
			}
			if removeCommand.MatchString(command) {
				return msgRemoveDenied, nil
			}

			runCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
			cmd.Dir = w.root
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			start := time.Now()
			err := cmd.Run()
			w.logger.Debug().
				Str("command", command).
				Dur("duration", time.Since(start)).
				Err(err).
				Msg("Workspace command finished")

			if runCtx.Err() == context.DeadlineExceeded {
				return fmt.Sprintf("Error: command timed out after %s.", w.timeout), nil
			}

			var b strings.Builder
			if out := strings.TrimSpace(stdout.String()); out != "" {
				b.WriteString("Output:\n" + out)
			}
			if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString("Errors:\n" + errOut)
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "Exit code: %d", exitErr.ExitCode())
			} else if err != nil {
				return nil, fmt.Errorf("failed to run command: %w", err)
			}
			if b.Len() == 0 {
				return msgNoOutput, nil
			}
			return b.String(), nil
		})
}

// ResolveWorkspacePath resolves pathValue against workspaceRoot and rejects
// anything that lands outside of it.
func ResolveWorkspacePath(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

