// Package jobsystem is an in-process job dispatcher.
//
// Callers Submit jobs tagged with a channel mask. Named workers, each with its
// own mask, claim the earliest pending job whose mask overlaps theirs, execute it
// and move it to the completed queue. Completion callbacks never run on a worker:
// they run when the owner calls DrainCompleted or WaitForJob, after which the job
// is retired.
//
// Every submission gets a ledger row that records its type and status for the
// life of the System, so ids can be queried long after their jobs were released.
// Status only moves forward:
//
//	queued → running → completed → retired
//
// Ids that were never issued report StatusNeverSeen.
package jobsystem
