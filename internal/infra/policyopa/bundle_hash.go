package policyopa

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type bundleHashPayload struct {
	Files []bundleHashFile `json:"files"`
}

type bundleHashFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ComputeBundleHashFromPath fingerprints the policy files under bundlePath,
// which may also name a single .rego file.
func ComputeBundleHashFromPath(bundlePath string) (string, error) {
	info, err := os.Stat(bundlePath)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(bundlePath)
		if err != nil {
			return "", err
		}
		return ComputeBundleHash(map[string]string{filepath.Base(bundlePath): string(data)}), nil
	}
	return ComputeBundleHashFromFS(os.DirFS(bundlePath), ".")
}

func ComputeBundleHashFromFS(fsys fs.FS, root string) (string, error) {
	files, err := collectBundleFiles(fsys, root)
	if err != nil {
		return "", err
	}
	return hashFiles(files), nil
}

// ComputeBundleHash fingerprints in-memory policy sources keyed by path.
func ComputeBundleHash(sources map[string]string) string {
	files := make([]bundleHashFile, 0, len(sources))
	for path, content := range sources {
		files = append(files, bundleHashFile{Path: filepath.ToSlash(path), SHA256: sha256Hex([]byte(content))})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return hashFiles(files)
}

func hashFiles(files []bundleHashFile) string {
	payload, _ := json.Marshal(bundleHashPayload{Files: files})
	return sha256Hex(payload)
}

func collectBundleFiles(fsys fs.FS, root string) ([]bundleHashFile, error) {
	files := []bundleHashFile{}
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == "." {
			return nil
		}
		if d.IsDir() {
			if shouldSkipDir(path) {
				return fs.SkipDir
			}
			return nil
		}
		if shouldSkipFile(path) || !isNormativeFile(path) {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		files = append(files, bundleHashFile{
			Path:   filepath.ToSlash(path),
			SHA256: sha256Hex(data),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

func shouldSkipDir(path string) bool {
	base := filepath.Base(path)
	return base == "__MACOSX" || base == "vendor" || strings.HasPrefix(base, ".")
}

func shouldSkipFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}

func isNormativeFile(path string) bool {
	base := filepath.Base(path)
	if base == "data.json" {
		return true
	}
	return strings.HasSuffix(base, ".rego")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
