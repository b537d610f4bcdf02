// Package timecode parses and formats the colon-delimited HH:MM:SS:mmm
// timecodes carried by dialogue line descriptors, and derives recording
// windows from start/end timecode pairs.
package timecode
