// Package notify posts webhook messages when scan passes start failing and
// when they recover. Targets are Slack incoming webhooks or generic HTTP
// endpoints receiving a JSON event.
package notify
