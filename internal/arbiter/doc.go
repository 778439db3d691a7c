// Package arbiter decides how to proceed when a resource is already occupied.
//
// Decisions are table lookups keyed by (generation, status, occupant count).
// The tables are plain data so tests can iterate them; nothing here performs
// I/O or keeps state.
//
//	desired Exclusive:
//	  Legacy  Available 0  -> Proceed
//	  Legacy  InUse     1  -> Ask {close legacy client, cancel}
//	  Current Available 0  -> Proceed
//	  Current Available 1  -> Ask {evict 0, connect shared}
//	  Current InUse     2  -> Ask {evict 0, evict 1, remote control, cancel}
//	desired Shared:
//	  Current any       0-2 -> Proceed
//	anything else          -> NoAction
package arbiter
