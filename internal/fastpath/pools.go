package fastpath

import "github.com/haasonsaas/lucy/internal/reply"

func defaultGreetingPool() *reply.Pool {
	return reply.NewPool(
		"Hey! What can I help you with?",
		"Hi there! What's on your plate today?",
		"Hello! Need a hand with anything?",
		"Hey! Ready when you are.",
		"Hi! What would you like to get done?",
		"Hey hey! What do you need?",
	)
}

func defaultStatusPool() *reply.Pool {
	return reply.NewPool(
		"Yep, I'm here! What do you need?",
		"Still here and ready to help.",
		"I'm around! What's up?",
		"Here and listening. What can I do for you?",
		"Present and accounted for. What's next?",
	)
}

func defaultHelpPool() *reply.Pool {
	return reply.NewPool(
		"I can help with email, calendar, documents, tasks, and more. Try something like \"summarize my unread emails\" or \"what's on my calendar tomorrow?\"",
		"Happy to help! I can search your email, manage calendar events, draft documents, and track tasks. Just tell me what you need in plain words.",
		"I work across your connected apps: email, calendar, notes, and project tools. Ask me things like \"find the latest thread from finance\" or \"schedule a sync with the team\".",
		"Think of me as a coworker with access to your tools. I can read and send email, manage your calendar, update docs, and file tasks. What should we start with?",
	)
}
