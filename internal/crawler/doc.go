// Package crawler walks the upstream id space forward, one loop per kind,
// storing every item it discovers. Each loop recovers its cursor from the
// store on start, advances it unconditionally after every scan, and sleeps
// with a growing backoff while the scans come back empty.
package crawler
