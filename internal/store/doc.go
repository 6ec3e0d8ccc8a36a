// Package store is the record store for the alerting engine.
//
// It persists:
//   - Users (contact channels + crisis preferences)
//   - Teams and their memberships (pending/confirmed/removed)
//   - Alerts and their team associations
//   - Pending-notification markers (the invitation worklist)
//
// Markers are keyed (team, user) with a uniqueness constraint, so the
// worklist deduplicates at write time rather than read time.
package store
