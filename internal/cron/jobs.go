package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/haasonsaas/lucy/internal/tools"
	"github.com/haasonsaas/lucy/internal/workspace"
)

// The scheduler is also the backing service for the lucy_*_cron tools.
var _ tools.CronManager = (*Scheduler)(nil)

// jobSpec is the stored shape of crons/<slug>/task.json.
type jobSpec struct {
	Path        string `json:"path"`
	Cron        string `json:"cron"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// reloadAll loads jobs for every tenant in the workspace.
func (s *Scheduler) reloadAll(ctx context.Context) error {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("enumerate tenants: %w", err)
	}
	for _, tenantID := range tenants {
		if err := s.ReloadTenant(ctx, tenantID); err != nil {
			s.logger.Warn(ctx, "tenant load failed", "tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

// ReloadTenant re-reads one tenant's job specs and swaps them in under
// a single lock hold. A job that survives the reload keeps its run
// state and history; only its spec and schedule change.
func (s *Scheduler) ReloadTenant(ctx context.Context, tenantID string) error {
	fresh, err := s.loadTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, job := range s.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if _, ok := fresh[job.Slug]; !ok {
			delete(s.jobs, key)
		}
	}
	for slug, loaded := range fresh {
		key := jobKey(tenantID, slug)
		if cur, ok := s.jobs[key]; ok {
			cur.Expr = loaded.Expr
			cur.Title = loaded.Title
			cur.Description = loaded.Description
			cur.Schedule = loaded.Schedule
			cur.NextRun = loaded.NextRun
			continue
		}
		s.jobs[key] = loaded
	}
	if _, ok := s.syncs[tenantID]; !ok {
		s.syncs[tenantID] = &syncEntry{next: s.now().Add(s.cfg.SyncInterval)}
	}

	s.logger.Info(ctx, "cron jobs reloaded", "tenant_id", tenantID, "jobs", len(fresh))
	return nil
}

// loadTenant reads every crons/*/task.json for a tenant. Specs that do
// not parse are skipped with a warning; one bad job never blocks the
// rest.
func (s *Scheduler) loadTenant(ctx context.Context, tenantID string) (map[string]*Job, error) {
	keys, err := s.store.List(ctx, tenantID, workspace.CronsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list crons: %w", err)
	}

	jobs := make(map[string]*Job)
	now := s.now()
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 || parts[2] != "task.json" {
			continue
		}
		slug := parts[1]
		data, err := s.store.Read(ctx, tenantID, key)
		if err != nil {
			s.logger.Warn(ctx, "cron job skipped", "tenant_id", tenantID, "job", slug, "error", err)
			continue
		}
		var spec jobSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			s.logger.Warn(ctx, "cron job skipped", "tenant_id", tenantID, "job", slug, "error", err)
			continue
		}
		expr := strings.TrimSpace(spec.Cron)
		sched, err := parser.Parse(expr)
		if err != nil {
			s.logger.Warn(ctx, "cron job skipped", "tenant_id", tenantID, "job", slug, "error", err)
			continue
		}
		title := strings.TrimSpace(spec.Title)
		if title == "" {
			title = slug
		}
		jobs[slug] = &Job{
			TenantID:    tenantID,
			Slug:        slug,
			Path:        workspace.CronTaskKey(slug),
			Expr:        expr,
			Title:       title,
			Description: strings.TrimSpace(spec.Description),
			Schedule:    sched,
			NextRun:     sched.Next(now),
		}
	}
	return jobs, nil
}

// ListCrons returns the tenant's stored job specs with canonical paths.
func (s *Scheduler) ListCrons(ctx context.Context, tenantID string) ([]tools.CronSummary, error) {
	keys, err := s.store.List(ctx, tenantID, workspace.CronsPrefix)
	if err != nil {
		return nil, err
	}
	var out []tools.CronSummary
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 || parts[2] != "task.json" {
			continue
		}
		data, err := s.store.Read(ctx, tenantID, key)
		if err != nil {
			continue
		}
		var spec jobSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			s.logger.Warn(ctx, "unreadable cron spec", "tenant_id", tenantID, "key", key, "error", err)
			continue
		}
		out = append(out, tools.CronSummary{
			Path:        key,
			Cron:        spec.Cron,
			Title:       spec.Title,
			Description: spec.Description,
		})
	}
	return out, nil
}

// CreateCron writes a new task.json and registers the job. The summary's
// Path carries the slug.
func (s *Scheduler) CreateCron(ctx context.Context, tenantID string, spec tools.CronSummary) error {
	slug, err := slugFromPath(spec.Path)
	if err != nil {
		return err
	}
	expr := strings.TrimSpace(spec.Cron)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if strings.TrimSpace(spec.Description) == "" {
		return errors.New("cron description is required")
	}

	key := workspace.CronTaskKey(slug)
	if _, err := s.store.Read(ctx, tenantID, key); err == nil {
		return fmt.Errorf("cron job %s already exists", slug)
	} else if !errors.Is(err, workspace.ErrNotFound) {
		return err
	}

	title := strings.TrimSpace(spec.Title)
	if title == "" {
		title = slug
	}
	doc := jobSpec{
		Path:        key,
		Cron:        expr,
		Title:       title,
		Description: strings.TrimSpace(spec.Description),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron spec: %w", err)
	}
	if err := s.store.Write(ctx, tenantID, key, data); err != nil {
		return err
	}
	if err := s.library.LogActivity(ctx, tenantID, fmt.Sprintf("cron %q created (%s)", title, expr)); err != nil {
		s.logger.Warn(ctx, "activity append failed", "job", slug, "error", err)
	}
	return s.ReloadTenant(ctx, tenantID)
}

// UpdateCron merges non-empty fields into an existing spec.
func (s *Scheduler) UpdateCron(ctx context.Context, tenantID string, spec tools.CronSummary) error {
	slug, err := slugFromPath(spec.Path)
	if err != nil {
		return err
	}
	key := workspace.CronTaskKey(slug)
	data, err := s.store.Read(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, spec.Path)
		}
		return err
	}
	var doc jobSpec
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode cron spec: %w", err)
	}

	if expr := strings.TrimSpace(spec.Cron); expr != "" {
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		doc.Cron = expr
	}
	if title := strings.TrimSpace(spec.Title); title != "" {
		doc.Title = title
	}
	if desc := strings.TrimSpace(spec.Description); desc != "" {
		doc.Description = desc
	}
	doc.Path = key

	updated, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron spec: %w", err)
	}
	if err := s.store.Write(ctx, tenantID, key, updated); err != nil {
		return err
	}
	if err := s.library.LogActivity(ctx, tenantID, fmt.Sprintf("cron %q updated (%s)", doc.Title, doc.Cron)); err != nil {
		s.logger.Warn(ctx, "activity append failed", "job", slug, "error", err)
	}
	return s.ReloadTenant(ctx, tenantID)
}

// DeleteCron removes the job's directory, learnings and log included.
func (s *Scheduler) DeleteCron(ctx context.Context, tenantID, jobPath string) error {
	slug, err := slugFromPath(jobPath)
	if err != nil {
		return err
	}
	key := workspace.CronTaskKey(slug)
	if _, err := s.store.Read(ctx, tenantID, key); err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobPath)
		}
		return err
	}
	if err := s.store.Delete(ctx, tenantID, path.Dir(key)); err != nil {
		return err
	}
	if err := s.library.LogActivity(ctx, tenantID, fmt.Sprintf("cron %s deleted", slug)); err != nil {
		s.logger.Warn(ctx, "activity append failed", "job", slug, "error", err)
	}
	return s.ReloadTenant(ctx, tenantID)
}

// RecordLearning appends one bullet to the job's LEARNINGS.md. The
// next fire folds it into the instruction.
func (s *Scheduler) RecordLearning(ctx context.Context, tenantID, jobPath, learning string) error {
	slug, err := slugFromPath(jobPath)
	if err != nil {
		return err
	}
	learning = flatten(learning, 0)
	if learning == "" {
		return errors.New("learning text is required")
	}
	if _, err := s.store.Read(ctx, tenantID, workspace.CronTaskKey(slug)); err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobPath)
		}
		return err
	}
	entry := "- " + learning + "\n"
	return s.store.Append(ctx, tenantID, workspace.CronLearningsKey(slug), []byte(entry))
}

// slugFromPath accepts a bare slug, crons/<slug>, or any key under the
// job's directory, and returns the slug.
func slugFromPath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	p = strings.TrimPrefix(p, workspace.CronsPrefix+"/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
		return "", fmt.Errorf("invalid cron path %q", p)
	}
	return p, nil
}
