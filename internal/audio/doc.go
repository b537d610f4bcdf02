// Package audio implements the capture pipeline between the input device and
// the encoded take: gain shaping and chunk emission on the device callback
// thread, the non-blocking chunk conduit, per-channel buffer assembly with
// the duration cap, level metering, and 16-bit PCM WAV serialization.
package audio
