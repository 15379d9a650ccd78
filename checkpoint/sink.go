package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Sink receives copies of finished checkpoint files, addressed by
// slash-separated keys of the form "checkpoint-N/<file>"
type Sink interface {
	Type() string
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

type sinkFactory func(data map[string]any) (Sink, error)

// filled from init functions only
var sinkFactories = map[string]sinkFactory{}

// NewSink creates a sink from the type and data of a sink config section
func NewSink(typ string, data map[string]any) (Sink, error) {
	name := strings.ToLower(strings.TrimSpace(typ))
	factory, ok := sinkFactories[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint sink %q is not one of local, s3", typ)
	}
	if data == nil {
		return nil, fmt.Errorf("checkpoint sink %s: data section missing", name)
	}
	return factory(data)
}

// decodeSinkData converts the free-form data section into the typed config
// of a sink, rejecting keys the sink does not know
func decodeSinkData(name string, data map[string]any, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("checkpoint sink %s: %w", name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("checkpoint sink %s: %w", name, err)
	}
	return nil
}

// Mirror uploads every file of dir to sink under "<name>/<file>"
func Mirror(ctx context.Context, sink Sink, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	name := filepath.Base(dir)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := mirrorFile(ctx, sink, filepath.Join(dir, e.Name()), path.Join(name, e.Name())); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return nil
}

func mirrorFile(ctx context.Context, sink Sink, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	return sink.Put(ctx, key, f, fi.Size())
}
