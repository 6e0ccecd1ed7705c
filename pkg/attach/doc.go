// Package attach implements a child's attachment to its parent.
//
// A child sends ParentRequest and waits for ChildIDResponse. Missing
// responses and degraded links lead to reattach attempts paced by an
// exponential backoff with jitter. A rejection means the parent no longer
// knows the child; the owner of the Attacher clears its Network Data mirror
// in that case and keeps it in every other.
package attach
