// Package service runs scan jobs and ships their reports.
//
// The Supervisor owns an event loop and a registry of uniquely named Jobs. A Job is a
// model.Scan. Start asks the supervisor to run a job (or "**" for all of them), the
// run itself is a run-once task on the jobs executor keyed by the job name:
//
//	Supervisor                 jobs executor                  scan.Scanner
//	    |                            |                               |
//	Start(name) -> callStart ------->| RunOnlyOnce("job:"+name)      |
//	    |                            | body: Report ---------------->| Scan, Close
//	    |<-------- Result -----------|<------------- BOM ------------|
//	    | validate, upload           |                               |
//
// Run-once semantics coalesce triggers: a start requested while the same job already
// waits for its turn is skipped once a later run began, as that run covers it.
//
// All jobs share one scan.Scanner, so the match cache survives between runs. Extraction
// tasks run on a dedicated scan executor, a scan job never waits for a worker it holds.
//
// Modes:
//   - manual: every job runs once and Do returns the joined errors;
//   - timer: a gocron schedule starts all jobs, errors are only logged and Do runs until
//     its context is done.
package service
