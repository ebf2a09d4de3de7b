// Package scheduler runs the service's housekeeping jobs and deferred
// one-shot tasks.
//
// # Recurring jobs
//
// AddCron registers a job under a stable name with a standard 5-field cron
// expression or a descriptor ("@every 1m", "@hourly"). Jobs registered before
// Start are kept and applied on Start. A run that is still executing when the
// next tick fires is skipped, and panics are recovered and logged.
//
// # One-shot tasks
//
// AddOnce schedules a job after a delay under a key. Scheduling the same key
// again replaces the pending task; Cancel removes it. Each key carries a
// version so a timer that already fired for a replaced task is ignored.
package scheduler
