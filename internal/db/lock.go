package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Lock files under .offsync/. The replica lock serializes local writes;
// the sync lock serializes whole sync cycles and is held across many
// replica-lock sections.
const (
	replicaLockName = "replica.lock"
	syncLockName    = "sync.lock"

	replicaLockWait = 500 * time.Millisecond
	lockPollMin     = 5 * time.Millisecond
	lockPollMax     = 50 * time.Millisecond
)

// ErrSyncInProgress is returned when another sync cycle holds the sync lock.
var ErrSyncInProgress = errors.New("sync already in progress")

// lockHolder is written into a held lock file so a waiting process can
// report who it is waiting on.
type lockHolder struct {
	PID     int       `json:"pid"`
	Command string    `json:"command,omitempty"`
	Since   time.Time `json:"since"`
}

// LockBusyError reports a lock that stayed held past the wait budget.
type LockBusyError struct {
	Name   string
	Waited time.Duration
	Holder *lockHolder
	Stale  bool
}

func (e *LockBusyError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s busy after %v (holder unknown)", e.Name, e.Waited)
	}
	msg := fmt.Sprintf("%s busy after %v: held by pid %d", e.Name, e.Waited, e.Holder.PID)
	if e.Holder.Command != "" {
		msg += " (" + e.Holder.Command + ")"
	}
	msg += " since " + e.Holder.Since.Format(time.RFC3339)
	if e.Stale {
		msg += ", holder process is gone"
	}
	return msg
}

// fileLock is an OS advisory lock on a file under the replica's data
// directory. The OS drops it when the process exits.
type fileLock struct {
	path string
	f    *os.File
}

func lockFor(baseDir, name string) *fileLock {
	return &fileLock{path: filepath.Join(baseDir, dataDir, name)}
}

// acquire polls for the lock with capped exponential backoff until wait
// elapses.
func (l *fileLock) acquire(wait time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(l.path), err)
	}
	l.f = f

	deadline := time.Now().Add(wait)
	for pause := lockPollMin; ; pause = min(pause*2, lockPollMax) {
		if l.tryLock() == nil {
			l.stamp()
			return nil
		}
		if time.Now().After(deadline) {
			busy := &LockBusyError{Name: filepath.Base(l.path), Waited: wait}
			if h := l.holder(); h != nil {
				busy.Holder = h
				busy.Stale = !isProcessAlive(h.PID)
			}
			l.f.Close()
			l.f = nil
			return busy
		}
		time.Sleep(pause)
	}
}

func (l *fileLock) release() {
	if l.f == nil {
		return
	}
	_ = l.f.Truncate(0)
	l.unlock()
	l.f.Close()
	l.f = nil
}

func (l *fileLock) stamp() {
	data, err := json.Marshal(lockHolder{
		PID:     os.Getpid(),
		Command: filepath.Base(os.Args[0]),
		Since:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = l.f.Truncate(0)
	_, _ = l.f.WriteAt(data, 0)
	_ = l.f.Sync()
}

// holder returns nil when the file is empty or unreadable.
func (l *fileLock) holder() *lockHolder {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var h lockHolder
	if json.Unmarshal(data, &h) != nil || h.PID == 0 {
		return nil
	}
	return &h
}

// WithSyncLock runs fn while holding the cross-process sync lock, so at most
// one sync cycle touches this replica at a time. It waits up to timeout.
func (db *DB) WithSyncLock(timeout time.Duration, fn func() error) error {
	if db.baseDir == "" {
		return fn()
	}
	l := lockFor(db.baseDir, syncLockName)
	if err := l.acquire(timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncInProgress, err)
	}
	defer l.release()
	return fn()
}
