// Package radio holds the discovered-resource model and the in-process registry
// that tracks resources and their occupants.
//
// A Resource is replaced wholesale on every update. Readers always receive
// copies, so a snapshot never changes underneath them.
//
// Registry events:
//   - ResourcesChanged: the resource set or a resource's fields changed
//   - OccupantAdded / OccupantUpdated / OccupantRemoved: per-handle occupancy diffs
//
// Every event carries a full snapshot of the affected resource.
package radio
