// Package web3 defines the external ledger consumed by the reputation oracle
// and the fund reconciler: balance reads, recent transaction scans, escrow
// program account discovery and the signed administrative verification
// write. Chain endpoints are described in a YAML file and instantiated by
// the provider package.
package web3
