// Package main hosts the shelfbox ingestion service entrypoint.
//
// Architecture overview:
//   - Boxes: every Box owns a SQLite file under boxes.data_dir holding its pages, crawl sessions, uploads, documents
//     and term index. A catalog database lists the boxes. Boxes declared in config are created or updated at start.
//   - Crawling: the session controller turns start, resume and retry requests into a session plus a seeded frontier,
//     then hands the run to a fixed pool of crawl workers. Workers pace each host with a token bucket, fetch through
//     Colly (promoting to headless Chrome when the detector asks for it), store content in the blob backend and record
//     the outcome in the box store. Links inside the seed's scope feed back into the frontier up to the box depth.
//   - Uploads: the upload router resolves a directory, file or archive into items and ingests them on a shared ants
//     pool. Indexed boxes extract text and terms; raw boxes keep deduplicated blobs.
//   - Fanout: progress events are batched into log, Prometheus and Pub/Sub sinks. Fetched pages and uploaded
//     documents are mirrored to Postgres when db.dsn is set.
//   - Access: the HTTP API takes caller shelves from the X-Shelves header and hides boxes on other shelves.
//
// Operational notes:
//   - Sessions and uploads outlive the request that started them. SIGINT/SIGTERM drains the HTTP server, ends live
//     sessions as interrupted and waits for uploads before closing stores.
//   - Work left active by a crashed process is marked interrupted at start.
//
// Quick checklist:
//   - Configure env vars: SHELFBOX_SERVER_PORT or PORT, SHELFBOX_BOXES_DATA_DIR, SHELFBOX_CRAWLER_WORKERS,
//     SHELFBOX_STORAGE_BACKEND (local, gcs, memory), SHELFBOX_DB_DSN and SHELFBOX_PUBSUB_* when needed.
//   - Run locally: go run ./cmd/shelfbox -config config.yaml (or rely solely on env overrides).
package main
