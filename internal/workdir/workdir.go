// Package workdir resolves the directory holding a replica's .offsync data,
// supporting shared replicas via .offsync-root redirect files.
package workdir

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	rootFile = ".offsync-root"
	dataDir  = ".offsync"
)

// ResolveBaseDir walks up from dir to the nearest directory that holds
// .offsync/ or an .offsync-root file. A redirect file names the directory to
// use instead; relative paths are taken from the file's directory. When
// neither marker is found dir is returned unchanged.
func ResolveBaseDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	for cur := abs; ; {
		if target, ok := readRedirect(cur); ok {
			return target
		}
		if fi, err := os.Stat(filepath.Join(cur, dataDir)); err == nil && fi.IsDir() {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

func readRedirect(dir string) (string, bool) {
	content, err := os.ReadFile(filepath.Join(dir, rootFile))
	if err != nil {
		return "", false
	}
	target := strings.TrimSpace(string(content))
	if target == "" {
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}
	return filepath.Clean(target), true
}
