package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// maxBackups bounds the rotation chain kept alongside config.json, mirroring
// the secondary reference repo's default backup count.
const maxBackups = 5

// persist writes doc to s.path via write-temp-then-rename, first rotating
// any existing file into a timestamp-free .bak chain. A failure here never
// advances the in-memory snapshot -- the caller only swaps s.doc after
// persist returns nil.
func (s *Store) persist(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		rotateBackups(s.path, maxBackups)
		if err := copyFile(s.path, s.path+".bak"); err != nil {
			slog.Warn("config: backup failed, continuing with save", "error", err)
		}
	}

	return atomicWrite(s.path, data, 0o600)
}

// atomicWrite writes data to path via a temp file in the same directory
// (guaranteeing the rename is on one filesystem) followed by os.Rename.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".cc-gw-config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	ok = true
	return nil
}

// rotateBackups shifts path+".bak" -> path+".bak.1" -> ... up to maxBackups,
// dropping the oldest.
func rotateBackups(path string, max int) {
	if max <= 1 {
		return
	}
	base := path + ".bak"
	oldest := fmt.Sprintf("%s.%d", base, max-1)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		slog.Debug("config: failed to remove oldest backup", "path", oldest, "error", err)
	}
	for i := max - 2; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", base, i)
		dst := fmt.Sprintf("%s.%d", base, i+1)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			slog.Debug("config: failed to rotate backup", "src", src, "dst", dst, "error", err)
		}
	}
	if err := os.Rename(base, base+".1"); err != nil && !os.IsNotExist(err) {
		slog.Debug("config: failed to rotate .bak to .bak.1", "error", err)
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func logListenerPanic(r any) {
	slog.Error("config: listener panicked", "recover", r)
}
