// Package functions holds the closed set of blockchain functions a language
// model may call. Each entry in the table declares its parameters, validates
// decoded arguments and invokes one web3 capability. Dispatch fans a batch of
// tool calls out concurrently and returns results aligned with the calls.
package functions
