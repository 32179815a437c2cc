// Package storage is an append-only journal of settled job outcomes.
//
// It is not queue persistence: pending jobs live only in memory. The journal
// exists so operators can look at what ran after the fact.
//
// Drivers:
//   - "file": JSON Lines, one record per line
//   - "sqlite": modernc.org/sqlite (pure Go), WAL mode, pruned to MaxRows
package storage
