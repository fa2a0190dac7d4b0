// Package vad segments a frame stream into speech and silence. A Detector
// runs a three-state machine (silence, candidate, active) over frames and
// reports segment start and end events; a frame is positive when either the
// spectral classifier or a raw amplitude threshold fires.
package vad
