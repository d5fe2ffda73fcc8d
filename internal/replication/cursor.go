package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
)

// Cursors maps a peer (its URL without credentials) to the timestamp of the
// last identity imported from it.
type Cursors map[string]int64

// CursorFile persists Cursors as pretty printed JSON.
type CursorFile struct {
	path string
}

// NewCursorFile creates a CursorFile at path.
func NewCursorFile(path string) *CursorFile {
	return &CursorFile{path: path}
}

// Load reads the cursors. A missing file yields an empty map.
func (f *CursorFile) Load() (Cursors, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Cursors{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor file: %w", err)
	}
	c := Cursors{}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cursor file: %w", err)
	}
	return c, nil
}

// Save writes the cursors atomically.
func (f *CursorFile) Save(c Cursors) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("encode cursors: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".replication-*.json")
	if err != nil {
		return fmt.Errorf("create cursor file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}
	return nil
}

// CursorKey is the cursor map key of a peer URL: the URL with any
// credentials removed.
func CursorKey(peer *url.URL) string {
	u := *peer
	u.User = nil
	return u.String()
}
