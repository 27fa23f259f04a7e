//go:build pixmemstrict

package diagnostics

// Strict is true when contract violations panic.
const Strict = true
