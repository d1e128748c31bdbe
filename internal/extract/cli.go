package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/platform/proc"
)

// DefaultArgs is the argument template for code2prompt. {input} and
// {output} are substituted per run.
var DefaultArgs = []string{"{input}", "--output-file", "{output}", "--no-clipboard"}

// CLIExtractor runs an external flattening tool.
type CLIExtractor struct {
	bin  string
	args []string
}

func NewCLIExtractor(bin string, args []string) *CLIExtractor {
	if len(args) == 0 {
		args = DefaultArgs
	}
	return &CLIExtractor{bin: bin, args: args}
}

func (c *CLIExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	tmp := tmpPath(req.OutputPath)
	_ = os.Remove(tmp)

	args := make([]string, 0, len(c.args)+4)
	for _, a := range c.args {
		a = strings.ReplaceAll(a, "{input}", req.InputDir)
		a = strings.ReplaceAll(a, "{output}", tmp)
		args = append(args, a)
	}
	if len(req.Include) > 0 {
		args = append(args, "--include", strings.Join(req.Include, ","))
	}
	if len(req.Exclude) > 0 {
		args = append(args, "--exclude", strings.Join(req.Exclude, ","))
	}

	stdout, err := proc.Run(ctx, proc.Cmd{Name: c.bin, Args: args, Dir: req.InputDir})
	if err != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, job.Fail(job.KindExtractionFailed, fmt.Errorf("run extractor: %w", err))
	}

	// Tools that print the prompt instead of writing the file.
	if _, statErr := os.Stat(tmp); errors.Is(statErr, os.ErrNotExist) && len(stdout) > 0 {
		if err := os.WriteFile(tmp, stdout, 0o644); err != nil {
			return Result{}, job.Fail(job.KindInternal, fmt.Errorf("write artifact: %w", err))
		}
	}

	n, err := commit(req.OutputPath)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: req.OutputPath, Bytes: n}, nil
}
