package python

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// HarnessFile is the base name of the interpreter-side harness. Traceback
// frames from this file are stripped from user errors.
const HarnessFile = "arepl_evaluator.py"

//go:embed arepl_evaluator.py
var harnessSource []byte

var (
	harnessOnce sync.Once
	harnessPath string
	harnessErr  error
)

// embeddedHarness writes the embedded harness to a content-addressed path in
// the temp directory and returns it. Safe to call concurrently.
func embeddedHarness() (string, error) {
	harnessOnce.Do(func() {
		sum := sha256.Sum256(harnessSource)
		dir := filepath.Join(os.TempDir(), "arepl-"+hex.EncodeToString(sum[:6]))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			harnessErr = fmt.Errorf("python: creating harness dir: %w", err)
			return
		}

		path := filepath.Join(dir, HarnessFile)
		if existing, err := os.ReadFile(path); err == nil && string(existing) == string(harnessSource) {
			harnessPath = path
			return
		}

		// write then rename so a concurrent process never runs a partial file
		tmp, err := os.CreateTemp(dir, HarnessFile+".*")
		if err != nil {
			harnessErr = fmt.Errorf("python: writing harness: %w", err)
			return
		}
		if _, err := tmp.Write(harnessSource); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			harnessErr = fmt.Errorf("python: writing harness: %w", err)
			return
		}
		tmp.Close()
		if err := os.Rename(tmp.Name(), path); err != nil {
			os.Remove(tmp.Name())
			harnessErr = fmt.Errorf("python: installing harness: %w", err)
			return
		}
		harnessPath = path
	})
	return harnessPath, harnessErr
}
