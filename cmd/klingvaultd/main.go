// Klingnet vault daemon: key custody and request approval for apps that
// reach it over JSON-RPC.
//
// Usage:
//
//	klingvaultd [--chain-rpc=1=http://...]  Run the vault
//	klingvaultd --help                      Show help
//
// SIGHUP locks the vault without stopping the daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-vault/config"
	"github.com/Klingon-tech/klingnet-vault/internal/node"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fatal(err)
	}

	n, err := node.New(cfg)
	if err != nil {
		fatal(err)
	}
	if err := n.Start(); err != nil {
		n.Stop()
		fatal(err)
	}
	if addr := n.RPCAddr(); addr != "" {
		fmt.Fprintf(os.Stderr, "Approval UI: klingvault-cli --url ws://%s watch\n", addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			n.Lock()
			continue
		}
		break
	}

	n.Stop()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
