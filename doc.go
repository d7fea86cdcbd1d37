// Package omutex provides a mutual-exclusion lock whose state of truth is a
// single record in an object store. Processes on different hosts coordinate
// through conditional writes: the lock is acquired by creating the record
// if-absent, held by refreshing its lease before expiry, and released by a
// conditional delete. No lock server is involved; any S3-compatible service,
// Azure Blob Storage, a shared directory, or the in-process memory backend
// can carry the record.
//
// # Acquiring a lock
//
//	m, err := omutex.New(omutex.Config{
//	    Store: "s3://minio.internal:9000/locks?insecure=true",
//	    Key:   "jobs/nightly-report",
//	})
//	if err != nil { log.Fatal(err) }
//	defer m.Close()
//
//	if err := m.Lock(ctx); err != nil { log.Fatal(err) }
//	defer m.Unlock(ctx)
//
// Or run a critical section in one call:
//
//	err := m.Synchronize(ctx, func(ctx context.Context) error {
//	    return rebuildReport(ctx)
//	})
//
// # Leases and crash recovery
//
// Every lock record carries an expiry, Config.TTL past the last write. A
// background goroutine refreshes the lease at Config.RefreshInterval while
// the lock is held. If the holder crashes, competing processes observe the
// expired record and reclaim the lock, so a dead holder blocks nobody for
// longer than one TTL. CheckHealth reports when the refresher has died and
// the holding can no longer be trusted.
//
// # Store URLs
//
// OpenStore and Config.Store accept mem://, disk:///path, s3://host/bucket,
// aws://bucket?region=... and azure://account/container URLs. Custom
// backends plug in through Config.Backend.
package omutex
