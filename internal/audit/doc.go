// Package audit writes an append-only JSONL journal of session actions:
// connects, disconnects, commands and relay activity.
//
// The journal is rotated by size and is independent of the diagnostic log,
// so it can be kept for longer.
package audit
