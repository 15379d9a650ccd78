package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSourceNotFound is returned when the source directory does not exist
	ErrSourceNotFound = errors.New("source directory not found")
	// ErrNotDirectory is returned when the source path is not a directory
	ErrNotDirectory = errors.New("source path is not a directory")
	// ErrEmptyCorpus is returned when no file contributed a line
	ErrEmptyCorpus = errors.New("corpus is empty")
)

// SkipReason explains why a file contributed no lines
type SkipReason int

const (
	NotSkipped SkipReason = iota
	SkipNotText
	SkipReadError
)

func (r SkipReason) String() string {
	switch r {
	case NotSkipped:
		return "none"
	case SkipNotText:
		return "not_text"
	case SkipReadError:
		return "read_error"
	default:
		return fmt.Sprintf("SkipReason(%d)", int(r))
	}
}

// FileResult is the outcome of decoding one file
type FileResult struct {
	Path  string
	Lines []string
	Skip  SkipReason
	Err   error
}

// Skipped reports whether the file was rejected
func (r FileResult) Skipped() bool {
	return r.Skip != NotSkipped
}

// Corpus is the ordered set of training lines of one source directory
type Corpus struct {
	Dir   string
	Lines []string
	Files []FileResult
}

// SkippedFiles returns the results of rejected files
func (c *Corpus) SkippedFiles() []FileResult {
	var out []FileResult
	for _, f := range c.Files {
		if f.Skipped() {
			out = append(out, f)
		}
	}
	return out
}

// DecodeFile reads path as UTF-8 text and returns its non-empty trimmed lines
func DecodeFile(path string) FileResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileResult{Path: path, Skip: SkipReadError, Err: err}
	}
	if !utf8.Valid(data) {
		return FileResult{Path: path, Skip: SkipNotText, Err: errors.New("invalid utf-8")}
	}
	return FileResult{Path: path, Lines: SplitLines(string(data))}
}

// SplitLines splits on \n, \r\n and \r, trims every line and drops empty ones
func SplitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

type buildOptions struct {
	parallelism int
}

// Option configures Build
type Option func(*buildOptions)

// WithParallelism bounds the number of files read concurrently
func WithParallelism(n int) Option {
	return func(o *buildOptions) {
		o.parallelism = n
	}
}

// Build collects the lines of every regular file directly under dir, in
// lexical file name order. Subdirectories are skipped. Files that cannot be
// decoded are logged and recorded in Files.
func Build(ctx context.Context, dir string, opts ...Option) (*Corpus, error) {
	o := buildOptions{parallelism: max(runtime.GOMAXPROCS(0)-1, 1)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.parallelism < 1 {
		o.parallelism = 1
	}

	fi, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, ErrSourceNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if isDir(e, path) {
			continue
		}
		files = append(files, path)
	}

	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = DecodeFile(path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger := logutil.GetLogger(ctx)
	c := &Corpus{Dir: dir, Files: results}
	for _, r := range results {
		if r.Skipped() {
			logger.Warn("skipping file",
				zap.String("path", r.Path),
				zap.String("reason", r.Skip.String()),
				zap.Error(r.Err))
			continue
		}
		c.Lines = append(c.Lines, r.Lines...)
	}
	if len(c.Lines) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrEmptyCorpus)
	}
	logger.Info("corpus built",
		zap.String("dir", dir),
		zap.Int("files", len(results)),
		zap.Int("skipped", len(c.SkippedFiles())),
		zap.Int("lines", len(c.Lines)))
	return c, nil
}

// isDir reports whether an entry is a directory, following symlinks
func isDir(e fs.DirEntry, path string) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&fs.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
