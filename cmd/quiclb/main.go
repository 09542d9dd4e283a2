// Command quiclb is a small QUIC load balancer: it terminates QUIC on
// a public listener and assigns each accepted connection, round-robin, to
// one of a configured pool of backend QUIC endpoints; every stream of that
// connection is forwarded to the same backend.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
