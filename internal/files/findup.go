package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and its ancestors and returns the first match.
// It returns "" if no ancestor contains name.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}

// FindBinary locates an executable named name. It looks next to the running executable first,
// then in the working directory and its ancestors.
func FindBinary(name string) (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working dir: %w", err)
	}
	path, err := FindUp(name, wd)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("%s not found next to the executable or above %s", name, wd)
	}
	return path, nil
}
