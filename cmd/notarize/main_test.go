package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"xdao.co/notarize/keys"
	"xdao.co/notarize/notarytest"
	"xdao.co/notarize/persist"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestRunUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), nil, &out, &errOut, env(nil)); code != 2 {
		t.Fatalf("no args: exit %d", code)
	}
	if code := run(context.Background(), []string{"bogus"}, &out, &errOut, env(nil)); code != 2 {
		t.Fatalf("unknown command: exit %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("stderr: %q", errOut.String())
	}
	out.Reset()
	if code := run(context.Background(), []string{"help"}, &out, &errOut, env(nil)); code != 0 {
		t.Fatalf("help: exit %d", code)
	}
	if !strings.Contains(out.String(), "notarize verify") {
		t.Fatalf("usage: %q", out.String())
	}
}

func TestRunRejectsBadNotaryPort(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"run"}, &out, &errOut, env(map[string]string{"NOTARY_PORT": "70000"}))
	if code != 2 {
		t.Fatalf("exit %d, stderr %q", code, errOut.String())
	}
	if !strings.Contains(errOut.String(), "NTZ-CONFIG-003") {
		t.Fatalf("stderr: %q", errOut.String())
	}
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	cases := [][]string{
		{"run", "--workers", "0"},
		{"run", "--committer", "everything"},
		{"run", "--log-level", "loud"},
		{"run", "--no-such-flag"},
		{"run", "extra"},
	}
	for _, args := range cases {
		var out, errOut bytes.Buffer
		if code := run(context.Background(), args, &out, &errOut, env(nil)); code != 2 {
			t.Fatalf("%v: exit %d, stderr %q", args, code, errOut.String())
		}
	}
}

func TestConfigLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notarize.yaml")
	yaml := "session:\n  notaryHost: file-host\n  notaryPort: 9000\npool:\n  workers: 3\n  iterations: 7\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var f runFlags
	var errOut bytes.Buffer
	fs := newRunFlagSet(&errOut, &f)
	if err := fs.Parse([]string{"--config", path, "--iterations", "2", "--notary-host", "flag-host"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := f.loadConfig(fs, env(map[string]string{"NOTARY_HOST": "env-host", "NOTARY_PORT": "9100"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.Workers != 3 {
		t.Fatalf("workers from file: %d", cfg.Pool.Workers)
	}
	if cfg.Pool.Iterations != 2 {
		t.Fatalf("iterations from flag: %d", cfg.Pool.Iterations)
	}
	if cfg.Session.NotaryHost != "flag-host" {
		t.Fatalf("notary host: %q", cfg.Session.NotaryHost)
	}
	if cfg.Session.NotaryPort != 9100 {
		t.Fatalf("notary port from env: %d", cfg.Session.NotaryPort)
	}
	if cfg.Pool.Delay != time.Second {
		t.Fatalf("delay default: %s", cfg.Pool.Delay)
	}
}

func TestRunAndVerify(t *testing.T) {
	signer, err := keys.NewEd25519Signer(bytes.Repeat([]byte{5}, 32))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	notary := notarytest.NewServer(signer, notarytest.Options{})
	defer notary.Close()
	target := notarytest.NewTarget(notarytest.JSONHandler(`{"status":"ok"}`))
	defer target.Close()

	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caPath, target.CertPEM(), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	outDir := filepath.Join(dir, "out")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var out, errOut bytes.Buffer
	code := run(ctx, []string{
		"run",
		"--server-ca", caPath,
		"--server-name", notarytest.TargetServerName,
		"--server-host", target.Host,
		"--server-port", strconv.Itoa(int(target.Port)),
		"--workers", "2",
		"--iterations", "2",
		"--delay", "0s",
		"--output-dir", outDir,
		"--log-level", "warn",
	}, &out, &errOut, env(map[string]string{
		"NOTARY_HOST": notary.Host,
		"NOTARY_PORT": strconv.Itoa(int(notary.Port)),
	}))
	if code != 0 {
		t.Fatalf("run: exit %d\nstdout: %s\nstderr: %s", code, out.String(), errOut.String())
	}
	if !strings.Contains(out.String(), "attempts=4 succeeded=4 failed=0") {
		t.Fatalf("report: %q", out.String())
	}

	atts, err := filepath.Glob(filepath.Join(outDir, "attestation-*.tlsn"))
	if err != nil || len(atts) != 4 {
		t.Fatalf("attestation files: %v %v", atts, err)
	}
	session := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(atts[0]), "attestation-"), ".tlsn")
	secrets := filepath.Join(outDir, persist.SecretsFile(session))

	out.Reset()
	errOut.Reset()
	code = run(ctx, []string{"verify", "--attestation", atts[0], "--secrets", secrets, "--notary-key", notary.NotaryKey(), "--show"}, &out, &errOut, env(nil))
	if code != 0 {
		t.Fatalf("verify: exit %d, stderr %q", code, errOut.String())
	}
	if !strings.HasPrefix(out.String(), "OK session="+session) {
		t.Fatalf("verify output: %q", out.String())
	}
	if !strings.Contains(out.String(), `{\"status\":\"ok\"}`) {
		t.Fatalf("expected opened body in output: %q", out.String())
	}

	other, err := keys.NewEd25519Signer(bytes.Repeat([]byte{6}, 32))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	errOut.Reset()
	code = run(ctx, []string{"verify", "--attestation", atts[0], "--secrets", secrets, "--notary-key", other.PublicKey()}, &out, &errOut, env(nil))
	if code != 1 {
		t.Fatalf("untrusted key: exit %d", code)
	}
	if !strings.Contains(errOut.String(), "NTZ-FINALIZE-102") {
		t.Fatalf("stderr: %q", errOut.String())
	}
}

func TestRunContinuesPastFailures(t *testing.T) {
	var out, errOut bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Nothing listens on the notary port, so every iteration fails.
	code := run(ctx, []string{
		"run",
		"--notary-host", "127.0.0.1",
		"--notary-port", "1",
		"--workers", "2",
		"--iterations", "3",
		"--delay", "0s",
		"--output-dir", t.TempDir(),
		"--log-level", "error",
	}, &out, &errOut, env(nil))
	if code != 0 {
		t.Fatalf("exit %d, stderr %q", code, errOut.String())
	}
	if !strings.Contains(out.String(), "attempts=6 succeeded=0 failed=6") {
		t.Fatalf("report: %q", out.String())
	}
	if !strings.Contains(out.String(), "Connection=6") {
		t.Fatalf("report by kind: %q", out.String())
	}
}

func TestRunFailFast(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{
		"run",
		"--notary-host", "127.0.0.1",
		"--notary-port", "1",
		"--workers", "1",
		"--iterations", "3",
		"--delay", "0s",
		"--continue-on-error=false",
		"--output-dir", t.TempDir(),
		"--log-level", "error",
	}, &out, &errOut, env(nil))
	if code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(out.String(), "attempts=1 ") {
		t.Fatalf("report: %q", out.String())
	}
}
