// Package integrity implements tamper-evident hash chaining for
// conversation logs.
//
// Every logged message becomes a Block carrying two digests: a content
// hash over the message fields alone, and a chain hash that also covers
// the previous block's chain hash. The first block links to a
// deterministic genesis hash derived from the agent identity and a
// secret salt, so any retroactive edit of a stored log is detectable by
// Verify without consulting external state.
//
// A Chain owns one agent's salt and genesis anchor; block storage stays
// with the caller. The Registry keys Chains by agent identity and is an
// explicit value owned by whoever composes the system.
package integrity
