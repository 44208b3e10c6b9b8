// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	baseNamePrefix = "checkpoint-"

	// DirPermMode is the default directory creation permission.
	DirPermMode = os.FileMode(0o755)
)

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-e\d+-i\d+\.ckpt$`)

// Store manages the checkpoints of a run in one directory.
//
// Numbered checkpoints are named "checkpoint-n<count>-e<epoch>-i<iteration>.ckpt", where
// count increases with every save, so lexicographic order is also save order. Named checkpoints
// (see SaveAs) are never pruned.
//
// A Store is not safe for concurrent use.
type Store struct {
	dir  string
	keep int

	// count is the number used by the next numbered checkpoint.
	count int
}

// Open returns a Store on dir, creating the directory if needed.
//
// If keep > 0, only the keep most recent numbered checkpoints are kept after each Save.
func Open(dir string, keep int) (*Store, error) {
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoints directory %q", dir)
	}
	s := &Store{dir: dir, keep: keep}
	list, err := s.List()
	if err != nil {
		return nil, err
	}
	s.count = maxCheckpointCount(list) + 1
	return s, nil
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("checkpoint.Store(%q)", s.dir)
}

// Dir returns the directory of the store.
func (s *Store) Dir() string { return s.dir }

// Save writes rec as a new numbered checkpoint and returns its path.
//
// After a successful write, older numbered checkpoints beyond the configured number to keep are
// removed. If the write fails, no existing checkpoint is touched.
func (s *Store) Save(rec *Record) (string, error) {
	name := fmt.Sprintf("%sn%07d-e%04d-i%09d%s", baseNamePrefix, s.count, rec.Epoch, rec.Iteration, Suffix)
	path := filepath.Join(s.dir, name)
	if err := writeAtomic(path, rec); err != nil {
		return "", errors.WithMessagef(err, "%s", s)
	}
	s.count++
	if err := s.prune(); err != nil {
		return path, err
	}
	return path, nil
}

// SaveAs writes rec under the given name (e.g. "best"), replacing any previous checkpoint with
// the same name. The path is returned.
func (s *Store) SaveAs(name string, rec *Record) (string, error) {
	if name == "" || strings.ContainsRune(name, filepath.Separator) || strings.HasPrefix(name, baseNamePrefix) {
		return "", errors.Errorf("%s: invalid checkpoint name %q", s, name)
	}
	path := filepath.Join(s.dir, name+Suffix)
	if err := writeAtomic(path, rec); err != nil {
		return "", errors.WithMessagef(err, "%s", s)
	}
	return path, nil
}

// Named returns the path of the checkpoint saved with SaveAs under name.
func (s *Store) Named(name string) string {
	return filepath.Join(s.dir, name+Suffix)
}

// List returns the paths of the numbered checkpoints, older first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", s)
	}
	var list []string
	for _, entry := range entries {
		if entry.IsDir() || !checkpointCountRegex.MatchString(entry.Name()) {
			continue
		}
		list = append(list, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(list)
	return list, nil
}

// Latest returns the path of the most recent numbered checkpoint, or "" if there are none.
func (s *Store) Latest() (string, error) {
	list, err := s.List()
	if err != nil || len(list) == 0 {
		return "", err
	}
	return list[len(list)-1], nil
}

// prune removes the excess numbered checkpoints, starting from the older ones.
func (s *Store) prune() error {
	if s.keep <= 0 {
		return nil
	}
	list, err := s.List()
	if err != nil {
		return err
	}
	if len(list) <= s.keep {
		return nil
	}
	for _, path := range list[:len(list)-s.keep] {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint %q", s, path)
		}
		klog.V(1).Infof("removed old checkpoint %q", path)
	}
	return nil
}

// maxCheckpointCount returns the largest count in the given checkpoint paths, or -1 if none.
func maxCheckpointCount(paths []string) int {
	maxID := -1
	for _, path := range paths {
		matches := checkpointCountRegex.FindStringSubmatch(filepath.Base(path))
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxID = max(maxID, id)
	}
	return maxID
}

// writeAtomic writes rec to a temporary file in the same directory as path, syncs it, and
// renames it to path. The temporary file is removed on failure.
func writeAtomic(path string, rec *Record) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = write(bw, rec); err != nil {
		return errors.WithMessagef(err, "writing %q", path)
	}
	if err = bw.Flush(); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	syncDir(dir)
	klog.V(1).Infof("saved %s to %q (%s)", rec, path, humanize.Bytes(uint64(info.Size())))
	return nil
}

// syncDir makes the rename durable. Not all platforms support syncing a directory, so failures
// are only logged.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		klog.Warningf("failed to open directory %q for sync: %v", dir, err)
		return
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		klog.V(1).Infof("failed to sync directory %q: %v", dir, err)
	}
}
