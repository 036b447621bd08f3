// Package file provides file-based persistence for single-node deployments.
// Rows live under <root>/rows/<tenant>/ and context documents under
// <root>/contexts/, one JSON file each.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/nodeflow/pkg/persistence"
)

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	root     string
	store    *Store
	contexts *ContextStore
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:     cleanRoot,
		store:    &Store{root: filepath.Join(cleanRoot, "rows")},
		contexts: &ContextStore{root: filepath.Join(cleanRoot, "contexts")},
	}
}

func (fp *Persistence) Store() persistence.Store { return fp.store }

func (fp *Persistence) Contexts() persistence.ContextStore { return fp.contexts }

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// fileName maps an arbitrary key to a safe file name.
func fileName(key string) string {
	return url.PathEscape(key) + ".json"
}

func keyFromFileName(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return "", false
	}

	key, err := url.PathUnescape(base)
	if err != nil {
		return "", false
	}

	return key, true
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, out)
}

// writeJSON writes through a temp file and rename so readers never see a
// partially written file.
func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	err = os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return os.Rename(tmp.Name(), path)
}
