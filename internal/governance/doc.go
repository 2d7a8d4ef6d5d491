// Package governance holds the resilience controls source adapters apply to
// backend calls: retry with exponential backoff and per-target circuit
// breaking.
//
// The pipeline engine itself never retries; adapters opt in through their
// own configuration blocks.
package governance
