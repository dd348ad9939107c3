//go:build snippets_debug

package op

// DebugCaps enables debug-only operations such as the performance counters.
const DebugCaps = true
