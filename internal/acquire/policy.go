package acquire

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnore lists paths that never belong in an artifact, in gitignore
// syntax.
var DefaultIgnore = []string{
	// version control
	".git", ".svn", ".hg", ".gitattributes", ".gitmodules",

	// dependencies and environments
	"node_modules", "bower_components", "__pycache__", ".pytest_cache", ".mypy_cache",
	"venv", ".venv", "env", ".env", ".tox",

	// editors
	".idea", ".vscode", ".DS_Store", "*.swp", "*.swo",

	// lock files
	"package-lock.json", "yarn.lock", "pnpm-lock.yaml",

	// build output
	".next", ".nuxt", ".cache", "coverage",

	// compiled and binary artifacts
	"*.pyc", "*.pyo", "*.pyd", "*.so", "*.dll", "*.dylib", "*.exe", "*.o", "*.a",
	"*.class", "*.jar", "*.war",
	"*.zip", "*.tar", "*.gz", "*.bz2", "*.7z", "*.rar",

	// logs and scratch files
	"*.log", "*.tmp", "*.temp",

	// media
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.bmp", "*.ico", "*.svg", "*.webp",
	"*.mp3", "*.mp4", "*.wav", "*.mov", "*.avi",
	"*.ttf", "*.otf", "*.woff", "*.woff2", "*.eot",

	// databases
	"*.db", "*.sqlite", "*.sqlite3",
}

// Policy decides which relative paths are dropped from an input.
type Policy struct {
	lines   []string
	matcher *gitignore.GitIgnore
}

// NewPolicy compiles the default list plus extra lines.
func NewPolicy(extra ...string) *Policy {
	lines := append([]string{}, DefaultIgnore...)
	for _, l := range extra {
		if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(l, "#") {
			lines = append(lines, l)
		}
	}
	return &Policy{lines: lines, matcher: gitignore.CompileIgnoreLines(lines...)}
}

func (p *Policy) Ignored(rel string) bool {
	return p.matcher.MatchesPath(filepath.ToSlash(rel))
}

func (p *Policy) Lines() []string { return p.lines }

// Prune deletes every ignored file and directory below root.
func (p *Policy) Prune(root string) error {
	return filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if full == root {
			return nil
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 || p.Ignored(rel) {
			if err := os.RemoveAll(full); err != nil {
				return err
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
}

var ErrUnsafePath = errors.New("unsafe path")

// CleanPath validates a client-supplied relative path and returns it in
// slash form. Absolute paths, drive letters, NUL bytes and ".." segments are
// rejected.
func CleanPath(raw string) (string, error) {
	p := strings.ReplaceAll(raw, `\`, "/")
	switch {
	case strings.TrimSpace(p) == "":
		return "", fmt.Errorf("%w: empty", ErrUnsafePath)
	case strings.ContainsRune(p, 0):
		return "", fmt.Errorf("%w: %q contains NUL", ErrUnsafePath, raw)
	case strings.HasPrefix(p, "/"), len(p) >= 2 && p[1] == ':':
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, raw)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the upload", ErrUnsafePath, raw)
		}
	}
	clean := path.Clean(p)
	if clean == "." || clean == "" {
		return "", fmt.Errorf("%w: %q names no file", ErrUnsafePath, raw)
	}
	return clean, nil
}
