package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Storage persists uploaded files and returns opaque references to them.
type Storage interface {
	Save(ctx context.Context, ownerID string, sequence int, filename string, r io.Reader) (string, error)
	Remove(ctx context.Context, refs []string) error
}

// LocalStorage writes artifacts below Root as
// <owner>/step-<n>/<uuid>-<filename>.
type LocalStorage struct {
	Root string
}

var _ Storage = LocalStorage{}

func (s LocalStorage) Save(ctx context.Context, ownerID string, sequence int, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner := sanitize(ownerID)
	if owner == "" {
		return "", errors.New("owner id is required")
	}
	name := sanitize(filepath.Base(filename))
	if name == "" {
		name = "artifact"
	}
	rel := filepath.Join(owner, "step-"+strconv.Itoa(sequence), uuid.NewString()+"-"+name)
	full := filepath.Join(s.Root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(full)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Remove deletes previously saved artifacts. Missing files are ignored.
func (s LocalStorage) Remove(_ context.Context, refs []string) error {
	var errs []error
	for _, ref := range refs {
		full, err := s.Resolve(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve maps a reference back to its path on disk, refusing references
// that escape Root.
func (s LocalStorage) Resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact reference %q escapes storage root", ref)
	}
	return filepath.Join(s.Root, clean), nil
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	return out
}
