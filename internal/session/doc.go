// Package session drives voice-over takes through their life cycle:
// acquire the input device, record against a timecode window, stop on
// demand or when the window elapses, and encode the result to WAV. A
// Registry tracks the session for each dialogue line, enforces the
// one-active-take rule, and evicts sessions that have gone idle.
package session
