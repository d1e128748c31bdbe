package extract

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-enry/go-enry/v2"
	"github.com/pkoukk/tiktoken-go"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/promptman/promptman/internal/job"
)

const defaultMaxFileBytes = 1 << 20

// NativeExtractor writes a code2prompt-style document without an external
// binary: the project name, a source tree and one fenced block per file.
type NativeExtractor struct {
	maxFileBytes int64
	tokens       *tiktoken.Tiktoken
}

type NativeOption func(*NativeExtractor)

func WithMaxFileBytes(n int64) NativeOption {
	return func(e *NativeExtractor) { e.maxFileBytes = n }
}

// WithTokenCount appends a cl100k_base token count to every artifact. If the
// encoding cannot be loaded the count is left out.
func WithTokenCount() NativeOption {
	return func(e *NativeExtractor) {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("extract: token counting disabled", "error", err)
			return
		}
		e.tokens = enc
	}
}

func NewNativeExtractor(opts ...NativeOption) *NativeExtractor {
	e := &NativeExtractor{maxFileBytes: defaultMaxFileBytes}
	for _, o := range opts {
		o(e)
	}
	return e
}

type sourceFile struct {
	rel  string
	lang string
	body []byte
}

func (e *NativeExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	files, err := e.collect(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if len(files) == 0 {
		return Result{}, job.Failf(job.KindExtractionFailed, "no text files left to extract")
	}

	tmp := tmpPath(req.OutputPath)
	tokens, err := e.write(tmp, filepath.Base(req.InputDir), files)
	if err != nil {
		_ = os.Remove(tmp)
		return Result{}, job.Fail(job.KindInternal, fmt.Errorf("write artifact: %w", err))
	}
	n, err := commit(req.OutputPath)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: req.OutputPath, Bytes: n, Files: len(files), Tokens: tokens}, nil
}

func (e *NativeExtractor) collect(ctx context.Context, req Request) ([]sourceFile, error) {
	var include, exclude *gitignore.GitIgnore
	if len(req.Include) > 0 {
		include = gitignore.CompileIgnoreLines(req.Include...)
	}
	if len(req.Exclude) > 0 {
		exclude = gitignore.CompileIgnoreLines(req.Exclude...)
	}

	var files []sourceFile
	err := filepath.WalkDir(req.InputDir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if full == req.InputDir {
			return nil
		}
		rel, err := filepath.Rel(req.InputDir, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if exclude != nil && exclude.MatchesPath(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || enry.IsVendor(rel) {
			return nil
		}
		if exclude != nil && exclude.MatchesPath(rel) {
			return nil
		}
		if include != nil && !include.MatchesPath(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if e.maxFileBytes > 0 && info.Size() > e.maxFileBytes {
			return nil
		}
		body, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		if enry.IsBinary(body) {
			return nil
		}
		files = append(files, sourceFile{rel: rel, lang: fenceLanguage(rel, body), body: body})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, job.Fail(job.KindExtractionFailed, fmt.Errorf("read input: %w", err))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

func (e *NativeExtractor) write(path, project string, files []sourceFile) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var doc strings.Builder
	fmt.Fprintf(&doc, "Project Path: %s\n\nSource Tree:\n\n```\n", project)
	rels := make([]string, len(files))
	for i, sf := range files {
		rels[i] = sf.rel
	}
	doc.WriteString(renderTree(project, rels))
	doc.WriteString("```\n\n")

	for _, sf := range files {
		fence := fenceFor(sf.body)
		fmt.Fprintf(&doc, "`%s`:\n\n%s%s\n", sf.rel, fence, sf.lang)
		doc.Write(sf.body)
		if len(sf.body) > 0 && sf.body[len(sf.body)-1] != '\n' {
			doc.WriteByte('\n')
		}
		doc.WriteString(fence + "\n\n")
	}

	tokens := 0
	if e.tokens != nil {
		tokens = len(e.tokens.Encode(doc.String(), nil, nil))
		fmt.Fprintf(&doc, "Token count (cl100k_base): %d\n", tokens)
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(doc.String()); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return tokens, f.Close()
}

// fenceFor picks a backtick fence longer than any run inside body.
func fenceFor(body []byte) string {
	longest, run := 0, 0
	for _, b := range body {
		if b == '`' {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	return strings.Repeat("`", max(3, longest+1))
}

func fenceLanguage(rel string, body []byte) string {
	lang := enry.GetLanguage(filepath.Base(rel), body)
	if lang == "" {
		return strings.TrimPrefix(filepath.Ext(rel), ".")
	}
	return strings.ToLower(strings.ReplaceAll(lang, " ", "-"))
}
