package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultProfile is used when File or Redis is created with an empty profile.
const DefaultProfile = "default"

// fileRecord is one profile's credentials on disk.
type fileRecord struct {
	Pair
	UpdatedAt time.Time `json:"updated_at"`
}

// fileContents is the on-disk layout: credentials for several profiles side by side.
type fileContents struct {
	Profiles map[string]*fileRecord `json:"profiles"` // key = profile name
}

// File stores credentials for one profile in a JSON file that may hold other
// profiles too. Writes are serialized across processes with a lock file and
// land atomically through a temp file and rename.
type File struct {
	path    string
	profile string
	logger  *slog.Logger
}

// NewFile returns a File store for profile in path.
func NewFile(path, profile string, logger *slog.Logger) *File {
	if profile == "" {
		profile = DefaultProfile
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, profile: profile, logger: logger}
}

// Path returns the token file location.
func (f *File) Path() string { return f.path }

func (f *File) Get(_ context.Context, name string) (string, error) {
	contents, err := f.read()
	if err != nil {
		return "", err
	}
	rec, ok := contents.Profiles[f.profile]
	if !ok {
		return Pair{}.field(name)
	}
	return rec.field(name)
}

func (f *File) Set(ctx context.Context, pair Pair) error {
	return f.update(ctx, func(c *fileContents) {
		c.Profiles[f.profile] = &fileRecord{Pair: pair, UpdatedAt: time.Now().UTC()}
	})
}

func (f *File) Clear(ctx context.Context) error {
	return f.update(ctx, func(c *fileContents) {
		delete(c.Profiles, f.profile)
	})
}

// Lock takes the refresh lock for the token file, separate from the lock that
// guards single writes.
func (f *File) Lock(ctx context.Context) (func(), error) {
	lock, err := acquireFileLock(ctx, f.path+".refresh")
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	return func() {
		if err := lock.release(); err != nil {
			f.logger.Warn("token_file_lock_release_failed",
				slog.String("path", f.path),
				slog.String("err", err.Error()),
			)
		}
	}, nil
}

// read loads the file. A missing file reads as empty, and so does a corrupt
// one: the next write replaces it.
func (f *File) read() (*fileContents, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &fileContents{Profiles: make(map[string]*fileRecord)}, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	contents := &fileContents{}
	if err := json.Unmarshal(data, contents); err != nil {
		f.logger.Warn("token_file_unreadable",
			slog.String("path", f.path),
			slog.String("err", err.Error()),
		)
		contents = &fileContents{}
	}
	if contents.Profiles == nil {
		contents.Profiles = make(map[string]*fileRecord)
	}
	return contents, nil
}

// update applies mutate to the file contents under the file lock.
func (f *File) update(ctx context.Context, mutate func(*fileContents)) error {
	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			f.logger.Warn("token_file_lock_release_failed",
				slog.String("path", f.path),
				slog.String("err", releaseErr.Error()),
			)
		}
	}()

	contents, err := f.read()
	if err != nil {
		return err
	}

	mutate(contents)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
