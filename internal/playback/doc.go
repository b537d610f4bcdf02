// Package playback keeps a recorded take and its reference video in
// lock-step for review. The coordinator mutes the video's own track,
// rewinds both sides to zero, starts them together and unwinds both
// when either side stops, fails or reaches its natural end. The audio
// side plays through a miniaudio output device; the video side is an
// abstract surface so rigs can bind a real player or a cue emitter.
package playback
