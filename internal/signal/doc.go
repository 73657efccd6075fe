// Package signal publishes trust unlock signals. A signal is keyed by an
// identity and is either unlocked or locked; consumers treat a missing signal
// as locked.
package signal
