// notarize-casd serves a localfs content-addressed store over gRPC so that
// several load drivers can mirror their artifacts into one place.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"xdao.co/notarize/storage/grpccas"
	"xdao.co/notarize/storage/localfs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr, nil)
	stop()
	os.Exit(code)
}

// run serves until ctx is done. ready, if set, receives the bound address.
func run(ctx context.Context, args []string, errOut io.Writer, ready chan<- string) int {
	fs := pflag.NewFlagSet("notarize-casd", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	root := fs.String("root", "", "localfs store directory")
	maxMsg := fs.Int("max-msg-bytes", 32<<20, "largest gRPC message accepted")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *root == "" {
		fmt.Fprintln(errOut, "usage: notarize-casd --root <dir> [--listen host:port]")
		return 2
	}
	logger := slog.New(slog.NewTextHandler(errOut, nil))

	cas, err := localfs.New(*root)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer lis.Close()

	s := grpc.NewServer(grpc.MaxRecvMsgSize(*maxMsg), grpc.MaxSendMsgSize(*maxMsg))
	grpccas.RegisterCASServer(s, &grpccas.Server{CAS: cas})
	stopOnDone := context.AfterFunc(ctx, s.GracefulStop)
	defer stopOnDone()

	logger.Info("notarize-casd listening", "addr", lis.Addr().String(), "root", cas.Root())
	if ready != nil {
		ready <- lis.Addr().String()
	}
	if err := s.Serve(lis); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}
