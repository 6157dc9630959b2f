// Package trigger submits jobs to a job system on cron schedules.
//
// Triggers only submit. Execution, completion callbacks and retirement belong
// to the job system and its owner.
package trigger
