package notarize_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/config"
	"xdao.co/notarize/errs"
	"xdao.co/notarize/keys"
	"xdao.co/notarize/mpctls"
	"xdao.co/notarize/notarize"
	"xdao.co/notarize/notary"
	"xdao.co/notarize/notarytest"
	"xdao.co/notarize/persist"
	"xdao.co/notarize/prover"
	"xdao.co/notarize/storage/localfs"
	"xdao.co/notarize/transcript"
)

const okBody = `{"status":"ok"}`

type fixture struct {
	notary *notarytest.Server
	target *notarytest.Target
	dir    string
}

func newFixture(t *testing.T, opts notarytest.Options, handler http.Handler) *fixture {
	t.Helper()
	signer, err := keys.NewEd25519Signer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	srv := notarytest.NewServer(signer, opts)
	t.Cleanup(srv.Close)
	target := notarytest.NewTarget(handler)
	t.Cleanup(target.Close)
	return &fixture{notary: srv, target: target, dir: t.TempDir()}
}

func (f *fixture) runner(sent, recv int) *notarize.Runner {
	return &notarize.Runner{
		Plan: notarize.Plan{
			Request: notary.Request{MaxSentData: sent, MaxRecvData: recv},
			Protocol: prover.ProtocolConfig{
				ServerName:  notarytest.TargetServerName,
				RootCAs:     f.target.RootCAs,
				MaxSentData: sent,
				MaxRecvData: recv,
			},
		},
		Notary:     &notary.Client{Host: f.notary.Host, Port: f.notary.Port},
		Engine:     &mpctls.Reference{},
		ServerAddr: net.JoinHostPort(f.target.Host, strconv.Itoa(int(f.target.Port))),
		Path:       "/formats/json",
		Request:    prover.RequestConfig{HashAlg: "sha256"},
		Persister:  &persist.Persister{Dir: f.dir},
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func assertNothingPersisted(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t, notarytest.Options{}, notarytest.JSONHandler(okBody))

	res, err := f.runner(1<<10, 1<<12).Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 1, f.notary.Attested())

	assert.Equal(t, filepath.Join(f.dir, persist.AttestationFile(res.SessionID)), res.Record.AttestationPath)
	att, secrets, err := persist.Load(res.Record.AttestationPath, res.Record.SecretsPath)
	require.NoError(t, err)
	require.NoError(t, att.Verify(f.notary.NotaryKey()))
	require.NoError(t, attestation.VerifySecrets(att, secrets))

	assert.Equal(t, notarytest.TargetServerName, att.ServerName)
	assert.Equal(t, res.SessionID, att.SessionID)
	assert.True(t, bytes.HasPrefix(secrets.Sent, []byte("GET /formats/json HTTP/1.0\r\nHost: example.com\r\n")))
	assert.True(t, bytes.HasSuffix(secrets.Received, []byte(okBody)))
	// Whole-message commitments: one per direction.
	assert.Len(t, att.Commitments, 2)
	assert.Equal(t, attestation.Bounds{MaxSentData: 1 << 10, MaxRecvData: 1 << 12}, att.Bounds)

	parsed, err := transcript.ParseHTTP(secrets.Transcript())
	require.NoError(t, err)
	require.Len(t, parsed.Responses, 1)
	body := parsed.Responses[0].Body
	require.NotNil(t, body)
	assert.Equal(t, transcript.ContentJSON, body.Kind)
	assert.Equal(t, map[string]any{"status": "ok"}, body.JSON)
}

func TestRunLogsJSONBody(t *testing.T) {
	f := newFixture(t, notarytest.Options{}, notarytest.JSONHandler(okBody))
	var buf bytes.Buffer
	r := f.runner(1<<10, 1<<12)
	r.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := r.Run(testContext(t))
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "response body")
	assert.Contains(t, out, "content_type=json")
	assert.Contains(t, out, `\"status\": \"ok\"`)
}

type countingNegotiator struct{ calls atomic.Int32 }

func (n *countingNegotiator) RequestNotarization(context.Context, notary.Request) (*notary.Accepted, error) {
	n.calls.Add(1)
	return nil, errors.New("unreachable")
}

func TestBoundsMismatchRejectedBeforeIO(t *testing.T) {
	neg := &countingNegotiator{}
	r := &notarize.Runner{
		Plan: notarize.Plan{
			Request:  notary.Request{MaxSentData: 1024, MaxRecvData: 4096},
			Protocol: prover.ProtocolConfig{ServerName: "example.com", MaxSentData: 1024, MaxRecvData: 2048},
		},
		Notary: neg,
		Path:   "/",
	}
	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))
	assert.Equal(t, "NTZ-CONFIG-201", errs.Code(err))
	assert.Zero(t, neg.calls.Load())
}

func TestPlanValidate(t *testing.T) {
	good := notarize.PlanFor(config.Default().Session, nil)
	require.NoError(t, good.Validate())

	cases := []struct {
		name string
		mut  func(*notarize.Plan)
		code string
	}{
		{"sent differs", func(p *notarize.Plan) { p.Protocol.MaxSentData++ }, "NTZ-CONFIG-201"},
		{"recv differs", func(p *notarize.Plan) { p.Request.MaxRecvData-- }, "NTZ-CONFIG-201"},
		{"zero bounds", func(p *notarize.Plan) { p.Request.MaxSentData = 0 }, "NTZ-CONFIG-202"},
		{"no server name", func(p *notarize.Plan) { p.Protocol.ServerName = "" }, "NTZ-CONFIG-102"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := good
			tc.mut(&p)
			err := p.Validate()
			assert.True(t, errs.IsKind(err, errs.KindConfig), "kind: %v", err)
			assert.Equal(t, tc.code, errs.Code(err))
		})
	}
}

func TestRunUnexpectedStatus(t *testing.T) {
	f := newFixture(t, notarytest.Options{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))

	_, err := f.runner(1<<10, 1<<12).Run(testContext(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindUnexpectedStatus, errs.KindOf(err))
	assert.Zero(t, f.notary.Attested())
	assertNothingPersisted(t, f.dir)
}

func TestRunNotaryRejects(t *testing.T) {
	f := newFixture(t, notarytest.Options{RejectStatus: http.StatusServiceUnavailable}, notarytest.JSONHandler(okBody))

	_, err := f.runner(1<<10, 1<<12).Run(testContext(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindRejection, errs.KindOf(err))
	assertNothingPersisted(t, f.dir)
}

func TestRunReceiveLimitFailsBackgroundTask(t *testing.T) {
	f := newFixture(t, notarytest.Options{}, notarytest.JSONHandler(strings.Repeat("x", 512)))

	_, err := f.runner(1<<10, 64).Run(testContext(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindBackgroundTask, errs.KindOf(err))
	assert.Zero(t, f.notary.Attested())
	assertNothingPersisted(t, f.dir)
}

func TestRunRejectsTamperedAttestation(t *testing.T) {
	opts := notarytest.Options{Tamper: func(a *attestation.Attestation) { a.RecvLen++ }}
	f := newFixture(t, opts, notarytest.JSONHandler(okBody))

	_, err := f.runner(1<<10, 1<<12).Run(testContext(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindFinalize, errs.KindOf(err))
	assertNothingPersisted(t, f.dir)
}

func TestRunUnknownServerCertificate(t *testing.T) {
	f := newFixture(t, notarytest.Options{}, notarytest.JSONHandler(okBody))
	r := f.runner(1<<10, 1<<12)
	r.Plan.Protocol.RootCAs = nil

	_, err := r.Run(testContext(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindConnect, errs.KindOf(err))
	assertNothingPersisted(t, f.dir)
}

func TestNewFromConfig(t *testing.T) {
	f := newFixture(t, notarytest.Options{TLS: true}, notarytest.JSONHandler(okBody))
	mirror, err := localfs.New(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Session.ServerName = notarytest.TargetServerName
	cfg.Session.ServerHost = f.target.Host
	cfg.Session.ServerPort = f.target.Port
	cfg.Session.NotaryHost = f.notary.Host
	cfg.Session.NotaryPort = f.notary.Port
	cfg.Session.NotaryTLS = true
	cfg.Output.Dir = f.dir
	cfg.Committer = transcript.CommitterRedact
	cfg.RedactHeaders = []string{"User-Agent"}
	cfg.CommitHashAlg = string(transcript.HashBlake3)
	cfg.HashAlg = "sha3-256"

	r, err := notarize.New(cfg, notarize.Options{
		RootCAs:   f.target.RootCAs,
		NotaryTLS: f.notary.TLSConfig(),
		Mirror:    mirror,
	})
	require.NoError(t, err)

	res, err := r.Run(testContext(t))
	require.NoError(t, err)
	assert.True(t, res.Record.Mirrored)
	assert.Equal(t, "sha3-256", res.Attestation.HashAlg)

	att, secrets, err := persist.Load(res.Record.AttestationPath, res.Record.SecretsPath)
	require.NoError(t, err)
	require.NoError(t, attestation.VerifySecrets(att, secrets))
	for i, c := range att.Commitments {
		assert.Equal(t, transcript.HashBlake3, c.Commit.HashAlg)
		opened, err := secrets.Open(att, i)
		require.NoError(t, err)
		assert.NotContains(t, string(opened), "User-Agent")
	}

	ok, err := mirror.Has(context.Background(), res.Record.AttestationCID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Committer = "everything"
	_, err := notarize.New(cfg, notarize.Options{})
	require.Error(t, err)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))
}

func TestIterateMatchesPool(t *testing.T) {
	f := newFixture(t, notarytest.Options{}, notarytest.JSONHandler(okBody))
	r := f.runner(1<<10, 1<<12)
	require.NoError(t, r.Iterate(testContext(t), 1, 1))
	require.NoError(t, r.Iterate(testContext(t), 1, 2))
	assert.Equal(t, 2, f.notary.Attested())

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}
