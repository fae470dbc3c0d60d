package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/lucy/internal/retrieval"
	"github.com/haasonsaas/lucy/pkg/models"
)

// Searcher ranks the tenant's tool catalog for a free-text query.
type Searcher interface {
	SearchTools(ctx context.Context, tenantID, query string, k int) ([]retrieval.ToolSchema, error)
}

// SkillLibrary is the workspace slice the skill tools operate on.
type SkillLibrary interface {
	ListSkills(ctx context.Context, tenantID string) ([]string, error)
	ReadSkill(ctx context.Context, tenantID, name string) (string, error)
	SaveSkill(ctx context.Context, tenantID, name, content string) error
	DeleteSkill(ctx context.Context, tenantID, name string) error
}

// CronSummary is one scheduled job as the cron tools see it.
type CronSummary struct {
	Path        string `json:"path"`
	Cron        string `json:"cron"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CronManager is the scheduler slice the cron tools operate on.
type CronManager interface {
	ListCrons(ctx context.Context, tenantID string) ([]CronSummary, error)
	CreateCron(ctx context.Context, tenantID string, spec CronSummary) error
	UpdateCron(ctx context.Context, tenantID string, spec CronSummary) error
	DeleteCron(ctx context.Context, tenantID, path string) error
	RecordLearning(ctx context.Context, tenantID, path, learning string) error
}

// ActivityLog reads the tenant's activity trail.
type ActivityLog interface {
	ReadActivity(ctx context.Context, tenantID string, limit int) ([]string, error)
}

// MetaConfig wires the built-in tools to their backing services. Nil
// fields disable the tools that need them.
type MetaConfig struct {
	Registry *Registry
	Search   Searcher
	Skills   SkillLibrary
	Crons    CronManager
	Activity ActivityLog
}

type noArgs struct{}

type searchToolsArgs struct {
	Query string `json:"query" jsonschema:"description=Capability to look for in plain words"`
	K     int    `json:"k,omitempty" jsonschema:"description=Maximum number of results"`
}

type toolNameArgs struct {
	ToolName string `json:"tool_name" jsonschema:"description=Exact tool name"`
}

type skillNameArgs struct {
	Name string `json:"name" jsonschema:"description=Skill name"`
}

type saveSkillArgs struct {
	Name    string `json:"name" jsonschema:"description=Skill name"`
	Content string `json:"content" jsonschema:"description=Full markdown body of the skill"`
}

type createCronArgs struct {
	Slug        string `json:"slug" jsonschema:"description=Short identifier used as the job directory name"`
	Cron        string `json:"cron" jsonschema:"description=Five-field cron expression"`
	Title       string `json:"title" jsonschema:"description=Human-readable job title"`
	Description string `json:"description" jsonschema:"description=What the job should do when it fires"`
}

type updateCronArgs struct {
	Path        string `json:"path" jsonschema:"description=Job path as returned by lucy_list_crons"`
	Cron        string `json:"cron,omitempty" jsonschema:"description=New cron expression"`
	Title       string `json:"title,omitempty" jsonschema:"description=New title"`
	Description string `json:"description,omitempty" jsonschema:"description=New description"`
}

type cronPathArgs struct {
	Path string `json:"path" jsonschema:"description=Job path as returned by lucy_list_crons"`
}

type recordLearningArgs struct {
	Path     string `json:"path" jsonschema:"description=Job path the learning belongs to"`
	Learning string `json:"learning" jsonschema:"description=One concrete lesson to carry into future runs"`
}

type readActivityArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Number of recent entries (default 50)"`
}

// MetaTools builds the lucy_* built-ins. Each carries a declared action
// type so the classifier never has to guess about them.
func MetaTools(cfg MetaConfig) []Descriptor {
	return []Descriptor{
		{
			Name:        "lucy_search_tools",
			App:         MetaApp,
			Description: "Search the connected tool catalog by capability, e.g. \"send an email\" or \"list calendar events\".",
			Schema:      schemaOf(searchToolsArgs{}),
			Action:      models.ActionRead,
			Handler:     searchToolsHandler(cfg.Search),
		},
		{
			Name:        "lucy_list_apps",
			App:         MetaApp,
			Description: "List the apps that currently have tools available.",
			Schema:      schemaOf(noArgs{}),
			Action:      models.ActionRead,
			Handler:     listAppsHandler(cfg.Registry),
		},
		{
			Name:        "lucy_get_tool_schema",
			App:         MetaApp,
			Description: "Fetch the full parameter schema for one tool before calling it.",
			Schema:      schemaOf(toolNameArgs{}),
			Action:      models.ActionRead,
			Handler:     getToolSchemaHandler(cfg.Registry),
		},
		{
			Name:        "lucy_list_skills",
			App:         MetaApp,
			Description: "List saved skills for this workspace.",
			Schema:      schemaOf(noArgs{}),
			Action:      models.ActionRead,
			Handler:     listSkillsHandler(cfg.Skills),
		},
		{
			Name:        "lucy_read_skill",
			App:         MetaApp,
			Description: "Read the full body of a saved skill.",
			Schema:      schemaOf(skillNameArgs{}),
			Action:      models.ActionRead,
			Handler:     readSkillHandler(cfg.Skills),
		},
		{
			Name:        "lucy_save_skill",
			App:         MetaApp,
			Description: "Save or overwrite a reusable skill for this workspace.",
			Schema:      schemaOf(saveSkillArgs{}),
			Action:      models.ActionWrite,
			Handler:     saveSkillHandler(cfg.Skills),
		},
		{
			Name:        "lucy_delete_skill",
			App:         MetaApp,
			Description: "Delete a saved skill permanently.",
			Schema:      schemaOf(skillNameArgs{}),
			Action:      models.ActionDestructive,
			Handler:     deleteSkillHandler(cfg.Skills),
		},
		{
			Name:        "lucy_list_crons",
			App:         MetaApp,
			Description: "List the scheduled jobs configured for this workspace.",
			Schema:      schemaOf(noArgs{}),
			Action:      models.ActionRead,
			Handler:     listCronsHandler(cfg.Crons),
		},
		{
			Name:        "lucy_create_cron",
			App:         MetaApp,
			Description: "Create a scheduled job that runs on a cron expression.",
			Schema:      schemaOf(createCronArgs{}),
			Action:      models.ActionWrite,
			Handler:     createCronHandler(cfg.Crons),
		},
		{
			Name:        "lucy_update_cron",
			App:         MetaApp,
			Description: "Update the schedule, title, or description of an existing job.",
			Schema:      schemaOf(updateCronArgs{}),
			Action:      models.ActionWrite,
			Handler:     updateCronHandler(cfg.Crons),
		},
		{
			Name:        "lucy_delete_cron",
			App:         MetaApp,
			Description: "Delete a scheduled job permanently.",
			Schema:      schemaOf(cronPathArgs{}),
			Action:      models.ActionDestructive,
			Handler:     deleteCronHandler(cfg.Crons),
		},
		{
			Name:        "lucy_record_learning",
			App:         MetaApp,
			Description: "Record a lesson from this run so future scheduled runs improve.",
			Schema:      schemaOf(recordLearningArgs{}),
			Action:      models.ActionWrite,
			Handler:     recordLearningHandler(cfg.Crons),
		},
		{
			Name:        "lucy_read_activity",
			App:         MetaApp,
			Description: "Read recent workspace activity log entries.",
			Schema:      schemaOf(readActivityArgs{}),
			Action:      models.ActionRead,
			Handler:     readActivityHandler(cfg.Activity),
		},
	}
}

func searchToolsHandler(search Searcher) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if search == nil {
			return nil, fmt.Errorf("tool search is not available")
		}
		var args searchToolsArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		k := args.K
		if k <= 0 {
			k = 10
		} else if k > 25 {
			k = 25
		}
		schemas, err := search.SearchTools(ctx, call.TenantID, args.Query, k)
		if err != nil {
			return nil, err
		}

		type hit struct {
			Name        string `json:"name"`
			App         string `json:"app"`
			Description string `json:"description"`
		}
		hits := make([]hit, 0, len(schemas))
		for _, s := range schemas {
			hits = append(hits, hit{Name: s.Name, App: s.App, Description: s.Description})
		}
		return map[string]any{"tools": hits}, nil
	}
}

func listAppsHandler(registry *Registry) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if registry == nil {
			return nil, fmt.Errorf("tool registry is not available")
		}
		return map[string]any{"apps": registry.Apps()}, nil
	}
}

func getToolSchemaHandler(registry *Registry) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if registry == nil {
			return nil, fmt.Errorf("tool registry is not available")
		}
		var args toolNameArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		desc, ok := registry.Get(args.ToolName)
		if !ok {
			return nil, fmt.Errorf("no tool named %s", args.ToolName)
		}
		return desc, nil
	}
}

func listSkillsHandler(skills SkillLibrary) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if skills == nil {
			return nil, fmt.Errorf("skills are not available")
		}
		names, err := skills.ListSkills(ctx, call.TenantID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"skills": names}, nil
	}
}

func readSkillHandler(skills SkillLibrary) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if skills == nil {
			return nil, fmt.Errorf("skills are not available")
		}
		var args skillNameArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		return skills.ReadSkill(ctx, call.TenantID, args.Name)
	}
}

func saveSkillHandler(skills SkillLibrary) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if skills == nil {
			return nil, fmt.Errorf("skills are not available")
		}
		var args saveSkillArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		if err := skills.SaveSkill(ctx, call.TenantID, args.Name, args.Content); err != nil {
			return nil, err
		}
		return fmt.Sprintf("saved skill %q", args.Name), nil
	}
}

func deleteSkillHandler(skills SkillLibrary) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if skills == nil {
			return nil, fmt.Errorf("skills are not available")
		}
		var args skillNameArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		if err := skills.DeleteSkill(ctx, call.TenantID, args.Name); err != nil {
			return nil, err
		}
		return fmt.Sprintf("deleted skill %q", args.Name), nil
	}
}

func listCronsHandler(crons CronManager) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if crons == nil {
			return nil, fmt.Errorf("scheduled jobs are not available")
		}
		jobs, err := crons.ListCrons(ctx, call.TenantID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"crons": jobs}, nil
	}
}

func createCronHandler(crons CronManager) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if crons == nil {
			return nil, fmt.Errorf("scheduled jobs are not available")
		}
		var args createCronArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		spec := CronSummary{
			Path:        args.Slug,
			Cron:        args.Cron,
			Title:       args.Title,
			Description: args.Description,
		}
		if err := crons.CreateCron(ctx, call.TenantID, spec); err != nil {
			return nil, err
		}
		return fmt.Sprintf("created scheduled job %q (%s)", args.Title, args.Cron), nil
	}
}

func updateCronHandler(crons CronManager) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if crons == nil {
			return nil, fmt.Errorf("scheduled jobs are not available")
		}
		var args updateCronArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		spec := CronSummary{
			Path:        args.Path,
			Cron:        args.Cron,
			Title:       args.Title,
			Description: args.Description,
		}
		if err := crons.UpdateCron(ctx, call.TenantID, spec); err != nil {
			return nil, err
		}
		return fmt.Sprintf("updated scheduled job %s", args.Path), nil
	}
}

func deleteCronHandler(crons CronManager) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if crons == nil {
			return nil, fmt.Errorf("scheduled jobs are not available")
		}
		var args cronPathArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		if err := crons.DeleteCron(ctx, call.TenantID, args.Path); err != nil {
			return nil, err
		}
		return fmt.Sprintf("deleted scheduled job %s", args.Path), nil
	}
}

func recordLearningHandler(crons CronManager) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if crons == nil {
			return nil, fmt.Errorf("scheduled jobs are not available")
		}
		var args recordLearningArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		if err := crons.RecordLearning(ctx, call.TenantID, args.Path, args.Learning); err != nil {
			return nil, err
		}
		return "learning recorded", nil
	}
}

func readActivityHandler(activity ActivityLog) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		if activity == nil {
			return nil, fmt.Errorf("activity log is not available")
		}
		var args readActivityArgs
		if err := decodeArgs(call.Params, &args); err != nil {
			return nil, err
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 50
		} else if limit > 500 {
			limit = 500
		}
		lines, err := activity.ReadActivity(ctx, call.TenantID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": lines}, nil
	}
}

func decodeArgs(params map[string]any, out any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// schemaOf reflects an argument struct into its JSON schema once, at
// registration time.
func schemaOf(v any) json.RawMessage {
	r := &jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(v)
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
