package corpus

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSplitLines(t *testing.T) {
	got := SplitLines("  first  \r\nsecond\rthird\n\n   \n\tfourth\t")
	want := []string{"first", "second", "third", "fourth"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SplitLines mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, SplitLines(" \n\r\n\t"))
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()

	ok := DecodeFile(writeFile(t, dir, "ok.txt", []byte("héllo\n world ")))
	assert.False(t, ok.Skipped())
	assert.Equal(t, []string{"héllo", "world"}, ok.Lines)

	bin := DecodeFile(writeFile(t, dir, "blob.bin", []byte{0xff, 0xfe, 0x00, 0x80}))
	assert.Equal(t, SkipNotText, bin.Skip)
	assert.Error(t, bin.Err)
	assert.Empty(t, bin.Lines)

	missing := DecodeFile(filepath.Join(dir, "missing.txt"))
	assert.Equal(t, SkipReadError, missing.Skip)
	assert.Error(t, missing.Err)
}

func TestBuildConcatenatesInEnumerationOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", []byte("b1\n\nb2\n"))
	writeFile(t, dir, "a.txt", []byte("  a1 \r\na2"))
	writeFile(t, dir, "c.bin", []byte{0xc3, 0x28})
	writeFile(t, dir, "d.txt", []byte("\n  \n"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeFile(t, filepath.Join(dir, "sub"), "nested.txt", []byte("nested"))

	c, err := Build(context.Background(), dir, WithParallelism(2))
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2", "b1", "b2"}, c.Lines)
	require.Len(t, c.Files, 4)
	skipped := c.SkippedFiles()
	require.Len(t, skipped, 1)
	assert.Equal(t, "c.bin", filepath.Base(skipped[0].Path))
	assert.Equal(t, SkipNotText, skipped[0].Skip)
}

func TestBuildSkipsSymlinkedDirectories(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	writeFile(t, other, "x.txt", []byte("hidden"))
	writeFile(t, dir, "a.txt", []byte("visible"))
	if err := os.Symlink(other, filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	c, err := Build(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"visible"}, c.Lines)
	assert.Len(t, c.Files, 1)
}

func TestBuildMissingDirectory(t *testing.T) {
	_, err := Build(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestBuildRejectsFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "file.txt", []byte("text"))
	_, err := Build(context.Background(), path)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestBuildEmptyCorpus(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.txt", nil)
	writeFile(t, dir, "blank.txt", []byte("   \n\n"))
	writeFile(t, dir, "binary.dat", []byte{0xff, 0xff})

	_, err := Build(context.Background(), dir)
	assert.ErrorIs(t, err, ErrEmptyCorpus)

	_, err = Build(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrEmptyCorpus)
}

func TestBuildCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}

// charEncoder maps every byte to its value
type charEncoder struct{}

func (charEncoder) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

func TestTokenizePadsToLongestLine(t *testing.T) {
	ds, err := Tokenize([]string{"abc", "a", "abcd"}, charEncoder{}, 1024, 0)
	require.NoError(t, err)

	assert.Equal(t, 4, ds.SeqLen)
	require.Equal(t, 3, ds.Len())
	short := ds.Examples[1]
	assert.Equal(t, []int{'a', 0, 0, 0}, short.InputIDs)
	assert.Equal(t, []int{1, 0, 0, 0}, short.AttentionMask)
	assert.Equal(t, short.InputIDs, short.Labels)
	assert.Equal(t, 1, short.Len())
}

func TestTokenizeTruncatesOnTheRight(t *testing.T) {
	ds, err := Tokenize([]string{strings.Repeat("x", 10) + "yz"}, charEncoder{}, 10, 0)
	require.NoError(t, err)

	assert.Equal(t, 10, ds.SeqLen)
	assert.Equal(t, []int{'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x'}, ds.Examples[0].InputIDs)
	assert.Equal(t, 10, ds.Examples[0].Len())

	_, err = Tokenize([]string{"a"}, charEncoder{}, 0, 0)
	assert.Error(t, err)
}

func TestExampleTargets(t *testing.T) {
	ex := Example{
		InputIDs:      []int{5, 6, 7, 0, 0},
		AttentionMask: []int{1, 1, 1, 0, 0},
		Labels:        []int{5, 6, 7, 0, 0},
	}
	assert.Equal(t, []int{6, 7, 0, IgnoreIndex, IgnoreIndex}, ex.Targets())

	// a full-length line has no pad to predict
	full := Example{
		InputIDs:      []int{5, 6, 7},
		AttentionMask: []int{1, 1, 1},
		Labels:        []int{5, 6, 7},
	}
	assert.Equal(t, []int{6, 7, IgnoreIndex}, full.Targets())
}

func TestTokenizedLineEndsWithEOSTarget(t *testing.T) {
	const eos = 3
	ds, err := Tokenize([]string{"ab", "abcd"}, charEncoder{}, 8, eos)
	require.NoError(t, err)

	targets := ds.Examples[0].Targets()
	require.Equal(t, 4, len(targets))
	assert.Equal(t, []int{'b', eos, IgnoreIndex, IgnoreIndex}, targets)
}
