package models

// CronJob is one scheduled job loaded from a tenant's workspace at
// crons/<slug>/task.json. Path identifies the job within the tenant.
type CronJob struct {
	Path        string `json:"path"`
	Expression  string `json:"cron"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TenantID    string `json:"-"`
	ChannelID   string `json:"channel,omitempty"`
}
