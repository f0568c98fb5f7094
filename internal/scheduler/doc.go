// Package scheduler keeps one cron job armed per active message template.
//
// The registry mirrors the persisted templates: Resync replaces the whole
// set, Upsert and Remove touch a single template id. Every mutation runs
// under one lock, so arming and destroying the job for a given id never
// interleave. Firings run on cron's goroutines; a template that is still
// broadcasting when its next occurrence comes due skips that occurrence.
//
// Schedules use five fields (minute hour day month weekday) evaluated in the
// configured time zone.
package scheduler
