package workspace

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/lucy/internal/observability"
)

// Library is the typed layer over a Store: skills, the activity trail,
// and the sync stamp. It backs the built-in skill and activity tools
// and the prompt builder.
type Library struct {
	store  Store
	logger *observability.Logger
	now    func() time.Time
}

// NewLibrary wraps a store.
func NewLibrary(store Store, logger *observability.Logger) *Library {
	return &Library{
		store:  store,
		logger: logger.WithComponent("workspace"),
		now:    time.Now,
	}
}

// ListSkills returns the tenant's skill names in lexical order.
func (l *Library) ListSkills(ctx context.Context, tenantID string) ([]string, error) {
	keys, err := l.store.List(ctx, tenantID, skillsPrefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, key := range keys {
		// skills/<name>/SKILL.md
		parts := strings.Split(key, "/")
		if len(parts) == 3 && parts[2] == "SKILL.md" {
			names = append(names, parts[1])
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadSkill returns a skill document.
func (l *Library) ReadSkill(ctx context.Context, tenantID, name string) (string, error) {
	if !validSegment(name) {
		return "", fmt.Errorf("%w: skill %q", ErrInvalidKey, name)
	}
	data, err := l.store.Read(ctx, tenantID, SkillKey(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveSkill writes a skill document, creating or replacing it.
func (l *Library) SaveSkill(ctx context.Context, tenantID, name, content string) error {
	if !validSegment(name) {
		return fmt.Errorf("%w: skill %q", ErrInvalidKey, name)
	}
	if err := l.store.Write(ctx, tenantID, SkillKey(name), []byte(content)); err != nil {
		return err
	}
	l.logger.Info(ctx, "skill saved", "tenant_id", tenantID, "skill", name, "bytes", len(content))
	return nil
}

// DeleteSkill removes a skill and its directory.
func (l *Library) DeleteSkill(ctx context.Context, tenantID, name string) error {
	if !validSegment(name) {
		return fmt.Errorf("%w: skill %q", ErrInvalidKey, name)
	}
	if err := l.store.Delete(ctx, tenantID, path.Join(skillsPrefix, name)); err != nil {
		return err
	}
	l.logger.Info(ctx, "skill deleted", "tenant_id", tenantID, "skill", name)
	return nil
}

// SkillContext renders the tenant's skills for the system prompt, one
// titled section per skill, truncated to maxChars.
func (l *Library) SkillContext(ctx context.Context, tenantID string, maxChars int) (string, error) {
	names, err := l.ListSkills(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, name := range names {
		content, err := l.ReadSkill(ctx, tenantID, name)
		if err != nil {
			l.logger.Warn(ctx, "skill read failed", "tenant_id", tenantID, "skill", name, "error", err)
			continue
		}
		section := fmt.Sprintf("## Skill: %s\n%s\n\n", name, strings.TrimSpace(content))
		if maxChars > 0 && sb.Len()+len(section) > maxChars {
			break
		}
		sb.WriteString(section)
	}
	return strings.TrimSpace(sb.String()), nil
}

// LogActivity appends one timestamped line to the tenant's activity
// trail.
func (l *Library) LogActivity(ctx context.Context, tenantID, line string) error {
	line = strings.ReplaceAll(strings.TrimSpace(line), "\n", " ")
	if line == "" {
		return nil
	}
	entry := fmt.Sprintf("%s %s\n", l.now().UTC().Format(time.RFC3339), line)
	return l.store.Append(ctx, tenantID, ActivityKey, []byte(entry))
}

// ReadActivity returns the newest limit lines of the activity trail,
// oldest first. A tenant with no trail yet gets an empty slice.
func (l *Library) ReadActivity(ctx context.Context, tenantID string, limit int) ([]string, error) {
	data, err := l.store.Read(ctx, tenantID, ActivityKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	if limit > 0 && len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return kept, nil
}

// LastSync returns the stored sync stamp, or "" when none exists.
func (l *Library) LastSync(ctx context.Context, tenantID string) (string, error) {
	data, err := l.store.Read(ctx, tenantID, SyncStampKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetLastSync records the sync stamp.
func (l *Library) SetLastSync(ctx context.Context, tenantID, stamp string) error {
	return l.store.Write(ctx, tenantID, SyncStampKey, []byte(stamp))
}
