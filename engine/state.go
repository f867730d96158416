package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"tagwatch/logger"
)

var stateLog = logger.WithSubsystem("state")

// ImageState is the persisted record for one tracked image, keyed by image
// path. A single record spans all architectures because digest resolution
// already accounts for arch.
type ImageState struct {
	TrackedTag     string     `json:"tracked_tag"`
	Digest         string     `json:"digest"`
	LastChecked    time.Time  `json:"last_checked"`
	LastUpdated    *time.Time `json:"last_updated,omitempty"`
	CurrentVersion string     `json:"current_version,omitempty"`
}

// StateStore persists the image→state mapping as a JSON file. Writes go to a
// temp file in the same directory and are renamed over the target, so a
// reader never sees a partial file and a crash mid-write leaves the previous
// version intact. Cross-process access is serialized with an advisory flock
// on a sibling .lock file.
type StateStore struct {
	path     string
	lockPath string
}

func NewStateStore(path string) *StateStore {
	return &StateStore{
		path:     path,
		lockPath: path + ".lock",
	}
}

// Load reads the persisted mapping. A missing, unreadable, or corrupt state
// file is treated as "no prior state" for every image, so each becomes a
// first-check baseline. A one-time false "no change" beats refusing to run.
func (s *StateStore) Load() map[string]ImageState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			stateLog.Warnf("cannot read state file %s, starting fresh: %v", s.path, err)
		}
		return make(map[string]ImageState)
	}

	var m map[string]ImageState
	if err := json.Unmarshal(data, &m); err != nil {
		stateLog.Warnf("state file %s is corrupt, starting fresh: %v", s.path, err)
		return make(map[string]ImageState)
	}
	if m == nil {
		m = make(map[string]ImageState)
	}
	return m
}

// Save atomically replaces the state file with the given mapping.
func (s *StateStore) Save(m map[string]ImageState) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Lock acquires the state-file lock, polling with a non-blocking flock until
// the timeout expires. The returned release func must run on every exit
// path; a caller that cannot acquire the lock within the wait fails its
// check cycle rather than blocking indefinitely.
func (s *StateStore) Lock(timeout time.Duration) (release func(), err error) {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", s.lockPath, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", s.lockPath, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("lock %s not acquired within %s: %w", s.lockPath, timeout, ErrStateLockTimeout)
		}
		time.Sleep(100 * time.Millisecond)
	}

	// The lock file stays in place on release. Unlinking it would let a
	// waiter still polling the old inode and a newcomer opening the fresh
	// path hold the lock at the same time.
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
