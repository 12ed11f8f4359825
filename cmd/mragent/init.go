package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bonzainsights/mragent/internal/defaults"
)

// runInit writes an example config.yaml and .env into dir. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing MRAgent in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content []byte
		mode    os.FileMode
	}{
		{"config.yaml", defaults.ConfigYAML, 0o644},
		{".env", defaults.EnvExample, 0o600},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, f.mode)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  + %s\n", path)
		} else {
			fmt.Fprintf(w, "  = %s (exists, left alone)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Put your NVIDIA_API_KEY in .env, then run: mragent chat")
	return nil
}

// writeIfMissing writes content to path unless the file already
// exists, reporting whether it wrote.
func writeIfMissing(path string, content []byte, mode os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
