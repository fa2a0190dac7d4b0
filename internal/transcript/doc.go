// Package transcript delivers transcription results to their consumers: a
// rolling transcript log, structured logs and live subscribers. Results
// arrive in segment order and are passed to every sink in that order.
package transcript
