package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

func init() {
	sinkFactories["local"] = newLocalSink
}

// localSink mirrors checkpoints into another directory, typically a mounted
// backup volume
type localSink struct {
	root string
}

func newLocalSink(data map[string]any) (Sink, error) {
	var cfg struct {
		Dir string `json:"dir"`
	}
	if err := decodeSinkData("local", data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint sink local: dir is empty")
	}
	return &localSink{root: cfg.Dir}, nil
}

func (s *localSink) Type() string { return "local" }

// Put writes key.partial and renames it to key once all size bytes arrived
func (s *localSink) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("checkpoint sink local: key %q escapes %s", key, s.root)
	}
	dst := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, ctxReader{ctx: ctx, r: r})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != size {
		err = fmt.Errorf("checkpoint sink local: %s: wrote %d of %d bytes", key, n, size)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
