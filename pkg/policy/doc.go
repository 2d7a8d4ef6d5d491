// Package policy evaluates scripted input validation written in Rego with an
// embedded Open Policy Agent engine.
//
// Modules are parsed and the decision query prepared once when an aggregation
// config is compiled; recent decisions are remembered in a ristretto cache.
package policy
