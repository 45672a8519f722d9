// Package storage persists alert history.
//
// Rows are appended when an alert fires and the newest unresolved row of a
// type is stamped with resolved_at when it clears. Drivers: file, sqlite, memory.
package storage
