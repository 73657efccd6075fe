// Package market implements the bounty marketplace core: the escrow ledger
// that moves tasks through their lifecycle, the community treasury that funds
// tasks from pooled deposits, and the agent registry updated by the
// reputation oracle. All mutations run inside Store.WithTx so that every fund
// movement either commits in full or not at all.
package market
