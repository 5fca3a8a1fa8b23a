package tokenstore

import (
	"context"
	"fmt"
	"os"
	"time"
)

const (
	lockRetries    = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an exclusive lock shared by every process using the same token file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock takes the lock guarding filePath.
// A sibling ".lock" file is created exclusively; a lock file older than
// lockStaleAfter is treated as abandoned and removed.
func acquireFileLock(ctx context.Context, filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for i := 0; i < lockRetries; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a stuck lock.
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{
				lockFile: lockFile,
				lockPath: lockPath,
			}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf(
					"failed to remove stale lock file %s: %w",
					lockPath,
					remErr,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for file lock: %w", ctx.Err())
		case <-time.After(lockRetryDelay):
		}
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(lockRetries)*lockRetryDelay,
	)
}

// release drops the lock. Calling it twice returns the remove error of the
// second call.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}
	return os.Remove(fl.lockPath)
}
