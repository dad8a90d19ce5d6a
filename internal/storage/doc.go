package storage

// Package storage provides a minimal persistence layer used by the daemon.
//
// It currently supports:
//   - Append-only task records (finished work, for audit and replay)
//   - Per-endpoint statistics snapshots (to survive restarts)
