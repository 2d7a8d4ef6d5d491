// Package domain defines the core types and interfaces of the aggregation gateway.
//
// This package contains pure domain logic with no dependencies outside the Go
// standard library. Types here describe what a caller hands to the engine
// (ClientInput), what it gets back (AggregationResult), how compiled
// configurations are addressed (ResourceKey, ConfigMeta), and the error
// taxonomy shared by the engine, the config registry and the gateway glue.
//
// The dependency direction is always:
//
//	engine, config, gateway → domain (CORRECT)
//	domain → engine, config, gateway (FORBIDDEN)
package domain
