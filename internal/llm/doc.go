// Package llm contains the content analyzer abstraction used by the
// reputation oracle. Untrusted content is always framed between per-request
// delimiters and the model is told to treat it as data, never as
// instructions. Provider adapters live in sub-packages.
package llm
