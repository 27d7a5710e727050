package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer, getenv func(string) string) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "run":
		return cmdRun(ctx, args[1:], out, errOut, getenv)
	case "verify":
		return cmdVerify(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "notarize: MPC-TLS notarization load driver")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  notarize run [--config <file.yaml>] [--server-ca <pem>] [--workers N] [--iterations M] [--delay 1s] [flags]")
	fmt.Fprintln(w, "  notarize verify --attestation <file> --secrets <file> [--notary-key <alg:base64>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - settings are layered: defaults, --config file, NOTARY_HOST/NOTARY_PORT, then flags")
	fmt.Fprintln(w, "  - each successful iteration writes attestation-<session>.tlsn and secrets-<session>.tlsn")
	fmt.Fprintln(w, "  - failed iterations are logged and counted; use --continue-on-error=false to stop at the first one")
	fmt.Fprintln(w, "  - run 'notarize run --help' for the full flag list")
}
