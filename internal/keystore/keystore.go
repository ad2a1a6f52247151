// Package keystore persists a node's own identity description on local disk.
//
// The key file holds a YAML record with two hex fields: the sealed capsule
// ("content") and the session key that opens it ("key"). Every save first
// moves any existing file aside to a timestamped backup, so earlier
// credentials are never overwritten.
package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robcowart/ibekd/internal/crypto"
	"github.com/robcowart/ibekd/internal/ibe"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the fixed name of the key file inside the key directory.
const FileName = "ibedist.key"

type record struct {
	Content string `yaml:"content"`
	Key     string `yaml:"key"`
}

// Store reads and writes the local key file.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a Store rooted at dir. The directory is created on first save.
func New(dir string, logger *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the location of the key file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Load reads the stored identity description. It returns (nil, nil) when no
// key file exists. A file that cannot be parsed or opened with its recorded
// key yields an error wrapping crypto.ErrDecode.
func (s *Store) Load() (*ibe.IdentityDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	desc, err := decodeRecord(data)
	if err != nil {
		s.logger.Warn("Stored identity description could not be decoded",
			zap.String("path", s.Path()),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Debug("Loaded identity description",
		zap.String("path", s.Path()),
		zap.String("identity", desc.Identity()),
	)
	return desc, nil
}

func decodeRecord(data []byte) (*ibe.IdentityDescription, error) {
	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrDecode, err)
	}
	capsule, err := hex.DecodeString(strings.TrimSpace(rec.Content))
	if err != nil {
		return nil, fmt.Errorf("%w: content: %v", crypto.ErrDecode, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(rec.Key))
	if err != nil {
		return nil, fmt.Errorf("%w: key: %v", crypto.ErrDecode, err)
	}
	defer crypto.Wipe(key)

	return crypto.OpenIdentity(key, capsule)
}

// Save seals desc under sessionKey and writes it to the key file.
func (s *Store) Save(desc *ibe.IdentityDescription, sessionKey []byte) error {
	capsule, err := crypto.SealIdentity(sessionKey, desc)
	if err != nil {
		return err
	}
	return s.SaveSealed(capsule, sessionKey)
}

// SaveSealed writes an already sealed capsule together with its session key.
// An existing key file is renamed to FileName_<unix millis> first; if that
// rename fails nothing is written and the original stays in place.
func (s *Store) SaveSealed(capsule, sessionKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	out, err := yaml.Marshal(record{
		Content: hex.EncodeToString(capsule),
		Key:     hex.EncodeToString(sessionKey),
	})
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	defer crypto.Wipe(out)

	backup, err := s.backupLocked()
	if err != nil {
		return err
	}

	if err := writeFileAtomic(s.Path(), out, 0o600); err != nil {
		if backup != "" {
			if rerr := os.Rename(backup, s.Path()); rerr != nil {
				s.logger.Error("Failed to restore key file from backup",
					zap.String("backup", backup),
					zap.Error(rerr),
				)
			}
		}
		return fmt.Errorf("failed to write key file: %w", err)
	}

	s.logger.Info("Saved identity description",
		zap.String("path", s.Path()),
		zap.String("backup", backup),
	)
	return nil
}

// backupLocked moves the current key file aside and returns the backup path,
// or "" when there was nothing to back up.
func (s *Store) backupLocked() (string, error) {
	if _, err := os.Stat(s.Path()); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to stat key file: %w", err)
	}

	millis := s.now().UnixMilli()
	backup := s.Path() + "_" + strconv.FormatInt(millis, 10)
	for {
		if _, err := os.Stat(backup); errors.Is(err, fs.ErrNotExist) {
			break
		}
		millis++
		backup = s.Path() + "_" + strconv.FormatInt(millis, 10)
	}

	if err := os.Rename(s.Path(), backup); err != nil {
		return "", fmt.Errorf("failed to back up key file: %w", err)
	}
	return backup, nil
}

// Backups lists existing backup files, oldest first.
func (s *Store) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.Path() + "_*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// writeFileAtomic writes data to a temp file in the same directory and renames
// it over path.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
