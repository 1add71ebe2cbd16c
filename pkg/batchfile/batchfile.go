// Package batchfile owns the per-batch NDJSON upload files on local
// disk. Each batch has at most one file at <path>/batch_<id>.ndjson.
// Files are rebuilt from the database before upload, so Create always
// truncates; a retried upload starts from a deterministic state.
package batchfile

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	fileExt = "ndjson"

	// MinFreeSpace is the free-disk floor below which new upload files
	// are refused.
	MinFreeSpace = 10 << 20 // 10 MiB
)

// ErrDiskFull is returned when the backing filesystem has less than
// MinFreeSpace available.
var ErrDiskFull = errors.New("insufficient disk space for batch file")

type Config struct {
	Path string `yaml:"path"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+"batchfile.path", "/var/driftq/batches", "Directory holding per-batch upload files")
}

type Store struct {
	cfg Config
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("batchfile path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create batchfile dir: %w", err)
	}
	return &Store{cfg: cfg}, nil
}

// Path returns the on-disk location for a batch's upload file.
func (s *Store) Path(batchID int64) string {
	return filepath.Join(s.cfg.Path, fmt.Sprintf("batch_%d.%s", batchID, fileExt))
}

// Create truncates any existing file for the batch and returns an open
// writer. It refuses to create a file when disk space is low.
func (s *Store) Create(batchID int64) (io.WriteCloser, error) {
	free, err := s.FreeSpace()
	if err != nil {
		return nil, err
	}
	if free < MinFreeSpace {
		return nil, ErrDiskFull
	}

	f, err := os.OpenFile(s.Path(batchID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch file: %w", err)
	}
	return f, nil
}

// AppendLine appends one canonical JSON line, newline-terminated.
func (s *Store) AppendLine(batchID int64, line []byte) error {
	f, err := os.OpenFile(s.Path(batchID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open batch file for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return err
	}
	return f.Sync()
}

// StreamLines calls fn for every line of the batch file, in order. The
// line slice is only valid for the duration of the call.
func (s *Store) StreamLines(batchID int64, fn func(line []byte) error) error {
	f, err := os.Open(s.Path(batchID))
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Size returns the current byte size of the batch file, or 0 when the
// file does not exist.
func (s *Store) Size(batchID int64) (int64, error) {
	fi, err := os.Stat(s.Path(batchID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Delete removes the batch file. Deleting a missing file is not an
// error.
func (s *Store) Delete(batchID int64) error {
	err := os.Remove(s.Path(batchID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// FreeSpace returns the available bytes on the filesystem backing the
// store.
func (s *Store) FreeSpace() (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.cfg.Path, &stat); err != nil {
		return 0, fmt.Errorf("failed to statfs %s: %w", s.cfg.Path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
