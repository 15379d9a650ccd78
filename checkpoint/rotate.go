package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Info describes a periodic checkpoint directory
type Info struct {
	Name    string
	Dir     string
	Step    int
	ModTime time.Time
	Size    int64
}

// DirName returns the directory name of the checkpoint for step
func DirName(step int) string {
	return Prefix + strconv.Itoa(step)
}

func parseStep(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, Prefix)
	if !ok {
		return 0, false
	}
	step, err := strconv.Atoi(rest)
	if err != nil || step < 0 {
		return 0, false
	}
	return step, true
}

// List returns the checkpoints under outputDir ordered by step, oldest first.
// A missing outputDir yields an empty list.
func List(outputDir string) ([]Info, error) {
	entries, err := os.ReadDir(outputDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		step, ok := parseStep(e.Name())
		if !ok {
			continue
		}
		dir := filepath.Join(outputDir, e.Name())
		info := Info{Name: e.Name(), Dir: dir, Step: step}
		if fi, err := e.Info(); err == nil {
			info.ModTime = fi.ModTime()
		}
		info.Size = dirSize(dir)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Step < infos[j].Step })
	return infos, nil
}

func dirSize(dir string) int64 {
	var total int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if fi, err := e.Info(); err == nil && fi.Mode().IsRegular() {
			total += fi.Size()
		}
	}
	return total
}

// Latest returns the checkpoint with the highest step
func Latest(outputDir string) (Info, error) {
	infos, err := List(outputDir)
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, fmt.Errorf("no checkpoints in %s: %w", outputDir, ErrNotFound)
	}
	return infos[len(infos)-1], nil
}

// Rotate deletes the oldest checkpoints so that at most limit remain and
// returns the removed directories. limit <= 0 keeps everything.
func Rotate(outputDir string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	infos, err := List(outputDir)
	if err != nil {
		return nil, err
	}
	if len(infos) <= limit {
		return nil, nil
	}

	var removed []string
	for _, info := range infos[:len(infos)-limit] {
		if err := os.RemoveAll(info.Dir); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", info.Dir, err)
		}
		removed = append(removed, info.Dir)
	}
	return removed, nil
}
