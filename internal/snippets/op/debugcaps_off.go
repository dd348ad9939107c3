//go:build !snippets_debug

package op

const DebugCaps = false
