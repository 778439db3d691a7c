// Package msglog keeps the timestamped protocol lines shown to the operator.
//
// Lines are classified by their first character:
//
//	C command   H handle   M message   R reply   S status   V version
//
// Each entry is stamped with the seconds elapsed since the session baseline
// and rendered as "%8.3f <text>". Lines arriving before a baseline exists are
// dropped. Unknown or malformed lines become error entries.
package msglog
