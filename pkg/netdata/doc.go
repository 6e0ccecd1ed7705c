// Package netdata implements the Network Data model of the mesh.
//
// Network Data is the table of on-mesh prefixes that border routers announce
// and that every device in the mesh replicates. The Leader owns the canonical
// copy in a Store; all other devices hold read-only DataSet mirrors.
//
// # Prefix Entries
//
// Each PrefixEntry is keyed by (prefix, owner). The owner is the RLOC16 of the
// border router that registered it. Adding the same key with identical flags
// is a no-op; adding it with different flags replaces the entry.
//
// # Two Tiers
//
// Entries flagged Stable form the stable subset. Sleepy devices replicate only
// that subset, everything else replicates the full set. Both tiers are views
// over one ordered map; Filter selects the view for a SyncMode.
//
// # Versions
//
// A Version pair tracks the full and stable data versions. Full increments on
// every mutation. Stable increments only when a mutation touches an entry that
// is or was Stable. Stable never exceeds Full and neither ever decreases for
// the lifetime of a Leader.
//
// Entries never expire on their own. Removal happens only through an explicit
// remove or a re-registration that no longer carries the entry.
package netdata
