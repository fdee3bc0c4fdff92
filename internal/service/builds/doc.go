// Package builds owns the build lifecycle: push and manual triggers expand
// the active workflow matrix into queued jobs, cancel stops what has not
// started, and Recompute folds job states back into the build record.
//
// States:
//   - created -> planned -> running -> succeeded | failed | canceled
//
// Build state is always derived from job states, never set directly by
// callers. Repeat webhook deliveries are idempotent: the recorded delivery
// ID returns the builds created the first time.
package builds
