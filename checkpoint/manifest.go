package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Manifest records an xxhash64 digest for every file of a checkpoint
type Manifest struct {
	Algorithm string            `json:"algorithm"`
	Files     map[string]string `json:"files"`
}

const digestAlgorithm = "xxhash64"

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// checkpointFiles lists the regular files of dir except the manifest, sorted
func checkpointFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == ManifestFile {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// WriteManifest digests every file in dir and writes manifest.json
func WriteManifest(dir string) (*Manifest, error) {
	names, err := checkpointFiles(dir)
	if err != nil {
		return nil, err
	}
	m := &Manifest{Algorithm: digestAlgorithm, Files: make(map[string]string, len(names))}
	for _, name := range names {
		digest, err := fileDigest(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		m.Files[name] = digest
	}
	if err := writeJSON(filepath.Join(dir, ManifestFile), m); err != nil {
		return nil, err
	}
	return m, nil
}

// VerifyManifest checks every file listed in manifest.json. A directory
// without a manifest, such as one written by another tool, passes.
func VerifyManifest(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	if m.Algorithm != digestAlgorithm {
		return fmt.Errorf("unsupported manifest algorithm %q", m.Algorithm)
	}

	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		got, err := fileDigest(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("%s: %w", name, ErrDigestMismatch)
		}
		if got != m.Files[name] {
			return fmt.Errorf("%s: expected %s, got %s: %w", name, m.Files[name], got, ErrDigestMismatch)
		}
	}
	return nil
}
