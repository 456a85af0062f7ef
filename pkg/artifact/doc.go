// Package artifact turns completed executions into verifiable results.
//
// A builder collects the outputs of every succeeded step in step order,
// sums the cost actually incurred, and attaches an integrity proof from a
// configured prover.
package artifact
