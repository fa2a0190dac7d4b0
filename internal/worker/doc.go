// Package worker runs transcription engines in isolated worker processes and
// supervises them.
//
// A Supervisor keeps a fixed pool of workers, each reached through a
// Transport. It serializes requests per worker, matches responses by request
// id, enforces deadlines, and watches heartbeats and memory. A dead or hung
// worker fails only its own in-flight request and is replaced with
// exponential restart backoff.
//
// Serve is the worker side of the protocol; cmd/sttworker runs it over
// stdin/stdout and SimTransport runs it in-process for tests.
package worker
