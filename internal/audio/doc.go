// Package audio holds the frame and segment types shared by the pipeline,
// PCM level helpers, WAV encoding, and the segment assembler that turns a
// detector's boundary marks into immutable speech segments.
package audio
