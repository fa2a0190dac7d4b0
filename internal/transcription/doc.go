// Package transcription turns speech segments into text through an ordered
// cascade of backends: the process-isolated worker pool first, an optional
// remote HTTP service next, and a deterministic placeholder fallback last.
//
// The Manager tracks failures per backend in a sliding window. A backend that
// reaches the failure limit is skipped until the backoff has elapsed, then
// gets exactly one probe request. Submit never blocks and results come out in
// submission order, one per segment.
package transcription
