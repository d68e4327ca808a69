// Package storage provides the persistence layer shared by the notification
// core.
//
// It currently holds:
//   - Subscriber rows (opt-in state, blocked flag, origin instance)
//   - Cross-instance media handle mappings (the resolver cache)
//   - Catalog entries
//   - Delivery audit rows (one per fan-out pass)
package storage
