// Package engine implements the request-aggregation pipeline.
//
// Architecture:
//
// compile.go    - Document compilation (Compiler, step naming, source resolution)
// definition.go - Immutable pipeline, step, source and client input definitions
// pipeline.go   - Pipeline.Run: request mapping, validation, step loop, output assembly
// step.go       - Step execution (per-run source instances, errgroup fan-out, step transform)
// registry.go   - Copy-on-write config index published through an atomic pointer
// sources.go    - Source factory registry keyed by kind@version and aliases
//
// Definitions are shared read-only by concurrent runs; every run owns its
// ExecutionContext and source instances.
package engine
