// Package session implements the connection/session manager.
//
// A Manager holds at most one session to one resource. Connect moves it
// through
//
//	Idle -> Discovering -> [AwaitingUserChoice] -> Opening -> [Binding] -> Active
//
// and Disconnect, an upstream removal, or a transport drop moves it through
// Closing back to Idle. When the occupancy arbiter asks for a choice the
// manager parks in AwaitingUserChoice until its Decider answers; any other
// connect, disconnect or bind made meanwhile fails with ErrAlreadyInProgress.
//
// All state lives on one loop goroutine. Registry and transport events are
// read by that loop; public methods submit closures to it and do their
// blocking work (decisions, evictions, opens) outside it.
package session
