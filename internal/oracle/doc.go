// Package oracle implements the reputation oracle. Each cycle re-checks an
// optional self-check target that drives a locked/unlocked gate, then
// verifies every pending agent with bounded parallelism: fetch external
// content, sanitize it, ask the analyzer for a score, validate the answer,
// write it to the external ledger and finally to the agent registry.
//
// Analyzer output is treated as untrusted input. Scores are rounded and
// clamped, text fields are stripped of control characters and truncated.
package oracle
