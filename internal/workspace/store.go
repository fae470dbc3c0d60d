// Package workspace is the per-tenant state tree. Skills, scheduled
// job specs, learnings, and activity trails all live under one opaque
// key space per tenant; the rest of the system addresses them through
// the Store interface and the well-known key helpers.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/lucy/internal/observability"
)

var (
	// ErrNotFound reports a key with no stored value.
	ErrNotFound = errors.New("workspace key not found")

	// ErrInvalidKey rejects keys or tenant ids that would escape the
	// tenant's tree.
	ErrInvalidKey = errors.New("invalid workspace key")
)

// Well-known keys. Everything else in the tree is opaque to the core.
const (
	ActivityKey  = "activity.log"
	SyncStampKey = "sync/last_ts"

	// CronsPrefix roots the scheduled-job subtree.
	CronsPrefix = "crons"

	skillsPrefix = "skills"
)

// SkillKey returns the document key for a named skill.
func SkillKey(name string) string {
	return path.Join(skillsPrefix, name, "SKILL.md")
}

// CronTaskKey returns the job-spec key for a cron slug.
func CronTaskKey(slug string) string {
	return path.Join(CronsPrefix, slug, "task.json")
}

// CronLearningsKey returns the accumulated-learnings key for a cron slug.
func CronLearningsKey(slug string) string {
	return path.Join(CronsPrefix, slug, "LEARNINGS.md")
}

// CronLogKey returns the append-only execution log key for a cron slug.
func CronLogKey(slug string) string {
	return path.Join(CronsPrefix, slug, "execution.log")
}

// Store is tenant-scoped key-value state. Keys are slash-separated
// paths relative to the tenant root.
type Store interface {
	ListTenants(ctx context.Context) ([]string, error)
	Read(ctx context.Context, tenantID, key string) ([]byte, error)
	Write(ctx context.Context, tenantID, key string, data []byte) error
	Append(ctx context.Context, tenantID, key string, data []byte) error

	// List returns keys of stored values under prefix, relative to the
	// tenant root, in lexical order.
	List(ctx context.Context, tenantID, prefix string) ([]string, error)

	// Delete removes a key, or a whole subtree when key names one.
	Delete(ctx context.Context, tenantID, key string) error
}

// FSStore keeps each tenant's tree under root/<tenant-id>/.
type FSStore struct {
	root   string
	logger *observability.Logger
}

// NewFSStore creates the root directory if needed and returns the store.
func NewFSStore(root string, logger *observability.Logger) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &FSStore{root: root, logger: logger.WithComponent("workspace")}, nil
}

// Root returns the filesystem root of the store.
func (s *FSStore) Root() string { return s.root }

// ListTenants enumerates tenant directories under the root.
func (s *FSStore) ListTenants(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	tenants := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			tenants = append(tenants, entry.Name())
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// EnsureTenant creates the tenant's directory skeleton. Existing trees
// are left untouched.
func (s *FSStore) EnsureTenant(ctx context.Context, tenantID string) error {
	base, err := s.tenantDir(tenantID)
	if err != nil {
		return err
	}
	for _, dir := range []string{"", skillsPrefix, CronsPrefix, "sync"} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0o755); err != nil {
			return fmt.Errorf("create tenant tree: %w", err)
		}
	}
	return nil
}

func (s *FSStore) Read(ctx context.Context, tenantID, key string) ([]byte, error) {
	p, err := s.keyPath(tenantID, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) Write(ctx context.Context, tenantID, key string, data []byte) error {
	p, err := s.keyPath(tenantID, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Append(ctx context.Context, tenantID, key string, data []byte) error {
	p, err := s.keyPath(tenantID, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return f.Close()
}

func (s *FSStore) List(ctx context.Context, tenantID, prefix string) ([]string, error) {
	base, err := s.keyPath(tenantID, prefix)
	if err != nil {
		return nil, err
	}
	tenantRoot, err := s.tenantDir(tenantID)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(tenantRoot, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FSStore) Delete(ctx context.Context, tenantID, key string) error {
	p, err := s.keyPath(tenantID, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) tenantDir(tenantID string) (string, error) {
	if !validSegment(tenantID) {
		return "", fmt.Errorf("%w: tenant %q", ErrInvalidKey, tenantID)
	}
	return filepath.Join(s.root, tenantID), nil
}

// keyPath resolves a tenant-relative key, rejecting anything that would
// step outside the tenant's tree.
func (s *FSStore) keyPath(tenantID, key string) (string, error) {
	base, err := s.tenantDir(tenantID)
	if err != nil {
		return "", err
	}
	if path.IsAbs(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	key = strings.Trim(key, "/")
	if key == "" {
		return base, nil
	}
	cleaned := path.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(base, filepath.FromSlash(cleaned)), nil
}

func validSegment(seg string) bool {
	if seg == "" || seg == "." || seg == ".." {
		return false
	}
	return !strings.ContainsAny(seg, "/\\")
}
