// Package ipc defines the newline-delimited JSON protocol spoken between the
// worker supervisor and a transcription worker process. Requests travel on
// the worker's stdin; ready, heartbeat and result messages come back on its
// stdout, one JSON object per line.
package ipc
