package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/persist"
	"xdao.co/notarize/transcript"
)

func cmdVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("notarize verify", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var attPath, secretsPath, notaryKey string
	var show bool
	fs.StringVar(&attPath, "attestation", "", "attestation file")
	fs.StringVar(&secretsPath, "secrets", "", "secrets file")
	fs.StringVar(&notaryKey, "notary-key", "", "trusted notary public key (alg:base64); empty accepts the embedded key")
	fs.BoolVar(&show, "show", false, "print the plaintext each commitment opens to")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if attPath == "" || secretsPath == "" || fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: notarize verify --attestation <file> --secrets <file> [--notary-key <alg:base64>] [--show]")
		return 2
	}

	att, secrets, err := persist.Load(attPath, secretsPath)
	if err != nil {
		fmt.Fprintf(errOut, "load: %v\n", err)
		return 1
	}
	if err := att.Verify(notaryKey); err != nil {
		fmt.Fprintf(errOut, "invalid attestation: %v\n", err)
		return 1
	}
	if err := attestation.VerifySecrets(att, secrets); err != nil {
		fmt.Fprintf(errOut, "invalid secrets: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(out, "OK session=%s server=%s issued=%s notary=%s\n",
		att.SessionID, att.ServerName, att.IssuedAt().Format("2006-01-02T15:04:05Z"), att.NotaryKey)
	for i, c := range att.Commitments {
		opened, err := secrets.Open(att, i)
		if err != nil {
			fmt.Fprintf(errOut, "open commitment %d: %v\n", i, err)
			return 1
		}
		_, _ = fmt.Fprintf(out, "  commitment %d: %s %s %s %d bytes\n", i, c.Commit.Direction, c.Commit.HashAlg, rangesString(c.Commit), len(opened))
		if show {
			_, _ = fmt.Fprintf(out, "    %s\n", strconv.Quote(string(opened)))
		}
	}
	return 0
}

func rangesString(c transcript.Commit) string {
	parts := make([]string, len(c.Ranges))
	for i, r := range c.Ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
