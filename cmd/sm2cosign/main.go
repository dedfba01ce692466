// Command sm2cosign talks to a co-signing peer: it enrolls users, signs and
// decrypts with the two-party SM2 protocol, and runs the local SM2
// operations that need no peer.
//
// Secrets such as d1 are read from flags or SM2COSIGN_* variables and printed
// once. Nothing is written to disk.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Environ(), os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
