// Package registry holds the roster of principals together with their
// health state, trust score and quarantine status.
//
// Per-principal mutable state lives in independently locked slots so that
// concurrent consensus rounds and router outcomes never contend on a single
// global lock. Consumers depend only on the HealthView interface.
package registry
