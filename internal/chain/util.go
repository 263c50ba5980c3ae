package chain

import "strings"

// DefaultWSEndpoint derives the pubsub endpoint that Solana RPC providers
// serve on the same host as HTTP.
func DefaultWSEndpoint(rpc string) string {
	if strings.HasPrefix(rpc, "ws://") || strings.HasPrefix(rpc, "wss://") {
		return rpc
	}
	if strings.HasPrefix(rpc, "https://") {
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	}
	if strings.HasPrefix(rpc, "http://") {
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	}
	return ""
}
