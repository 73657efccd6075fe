// Package reconcile audits on-chain balances against a persisted JSON fund
// ledger. Every cycle records balance changes, tracks escrow program
// accounts, turns failed treasury transactions into anomalies and publishes
// an unlock signal only while no anomaly is outstanding. Anomalies are never
// cleared by the loop; an operator acknowledges them explicitly.
package reconcile
