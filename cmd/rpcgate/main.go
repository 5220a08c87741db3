// Command rpcgate runs a reverse proxy / request router for JSON-RPC
// Ethereum-style nodes: it load-balances across upstreams by sync state,
// enforces per-key rate limits, caches idempotent reads, and fans out
// eth_subscribe notifications over WebSocket.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/rpcgate.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("rpcgate", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
