// Package credential hands out transport credentials for the dispatch
// pipeline.
//
// A Rotator owns an ordered list of named Sources and picks one per call,
// round-robin by call count, so rotation order is deterministic: call i goes
// to source i mod N. A failed acquisition is reported to the caller as
// domain.ErrHarvest; the rotator never falls back to another source inside
// the same call. The pipeline decides whether to retry.
//
// Sources only serve credentials the operator owns:
//   - StaticSource: one credential set from configuration
//   - SQLSource:    least-recently-issued row from a Postgres pool table
//   - HTTPSource:   JSON document from an internal secrets broker
package credential
