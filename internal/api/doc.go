// Package api serves the local read-only HTTP surface of the sync service.
//
// Routes (all under /api/v1):
//
//	GET  /health                    hub link, reconciler health and stats, sink checks
//	GET  /snapshot                  the current snapshot, optionally ?category=
//	GET  /devices/{category}/{id}   one device record
//	POST /refresh                   request an immediate full poll (202)
//	GET  /events                    recent named events from the history store
//
// Handlers only read the reconciler's immutable snapshots, so they never
// contend with the push path.
package api
