// Package boxstore persists crawl sessions, pages and upload operations.
//
// Every Box owns a dedicated SQLite database under <data_dir>/boxes/<box_id>/box.db,
// opened lazily by Manager and reused for the process lifetime. Boxes never
// share a database file, so one box's volume or corruption cannot reach another.
// Mutating calls run inside a transaction while holding the store's writer
// mutex; reads go straight to the WAL-mode database and may run concurrently.
//
// Box definitions live in a separate catalog database managed by Catalog.
package boxstore
