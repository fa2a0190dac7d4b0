// Package stream owns per-stream sessions. Each session runs a voice
// activity detector and a segment assembler synchronously on the goroutine
// that pushes frames, hands closed segments to a Submitter, and is removed
// after a period of inactivity.
package stream
