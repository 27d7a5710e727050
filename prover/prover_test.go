package prover

import (
	"context"
	"errors"
	"net"
	"testing"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/errs"
	"xdao.co/notarize/mpctls"
	"xdao.co/notarize/transcript"
)

type fakeEngine struct {
	setupErr error
	session  *fakeSession
	got      mpctls.Config
}

func (e *fakeEngine) Setup(_ context.Context, _ net.Conn, cfg mpctls.Config) (mpctls.Session, error) {
	e.got = cfg
	if e.setupErr != nil {
		return nil, e.setupErr
	}
	return e.session, nil
}

type fakeSession struct {
	connectErr  error
	driveErr    error
	finalizeErr error
	t           *transcript.Transcript
}

func (s *fakeSession) SessionID() string { return "fake-session" }

func (s *fakeSession) Connect(context.Context, net.Conn) (net.Conn, mpctls.Driver, error) {
	if s.connectErr != nil {
		return nil, nil, s.connectErr
	}
	a, _ := net.Pipe()
	return a, func(context.Context) error { return s.driveErr }, nil
}

func (s *fakeSession) Transcript() *transcript.Transcript { return s.t }

func (s *fakeSession) Finalize(_ context.Context, req mpctls.FinalizeRequest) (*attestation.Attestation, *attestation.Secrets, error) {
	if s.finalizeErr != nil {
		return nil, nil, s.finalizeErr
	}
	return &attestation.Attestation{SessionID: "fake-session", HashAlg: req.HashAlg}, &attestation.Secrets{SessionID: "fake-session"}, nil
}

func testConfig() ProtocolConfig {
	return ProtocolConfig{ServerName: "test-server.io", MaxSentData: 1024, MaxRecvData: 4096}
}

func wholeCommit(t *testing.T, tr *transcript.Transcript) *transcript.CommitConfig {
	t.Helper()
	b := transcript.NewCommitBuilder(tr)
	if err := b.CommitSent(transcript.Range{Start: 0, End: tr.Len(transcript.Sent)}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return cfg
}

func runToNotarizing(t *testing.T, eng *fakeEngine) *Notarizing {
	t.Helper()
	ctx := context.Background()
	p := New(testConfig(), eng)
	setup, err := p.Setup(ctx, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	conn, err := setup.Connect(ctx, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Stream.Close()
	connected, err := conn.Drive(ctx)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	return connected.StartNotarize()
}

func TestLifecycleHappyPath(t *testing.T) {
	tr := transcript.New([]byte("request"), []byte("response"))
	eng := &fakeEngine{session: &fakeSession{t: tr}}
	n := runToNotarizing(t, eng)
	if eng.got.MaxSentData != 1024 || eng.got.MaxRecvData != 4096 || eng.got.ServerName != "test-server.io" {
		t.Fatalf("engine got config %+v", eng.got)
	}
	if n.State() != NotarizingState {
		t.Fatalf("state %v", n.State())
	}
	committed, err := n.Commit(wholeCommit(t, n.Transcript()))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	fin, err := committed.Finalize(context.Background(), RequestConfig{HashAlg: "sha256"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if fin.State() != FinalizedState || fin.Attestation.HashAlg != "sha256" {
		t.Fatalf("unexpected finalized value %+v", fin.Attestation)
	}
}

func TestLifecycleFailuresCarryStageAndKind(t *testing.T) {
	boom := errors.New("boom")
	tr := transcript.New([]byte("request"), []byte("response"))
	ctx := context.Background()

	cases := []struct {
		name  string
		run   func() error
		stage State
		kind  errs.Kind
		code  string
	}{
		{
			name: "setup",
			run: func() error {
				_, err := New(testConfig(), &fakeEngine{setupErr: boom}).Setup(ctx, nil)
				return err
			},
			stage: Created, kind: errs.KindSetup, code: "NTZ-SETUP-001",
		},
		{
			name: "connect",
			run: func() error {
				s, _ := New(testConfig(), &fakeEngine{session: &fakeSession{connectErr: boom}}).Setup(ctx, nil)
				_, err := s.Connect(ctx, nil)
				return err
			},
			stage: SetUpState, kind: errs.KindConnect, code: "NTZ-CONNECT-001",
		},
		{
			name: "recv limit",
			run: func() error {
				s, _ := New(testConfig(), &fakeEngine{session: &fakeSession{driveErr: mpctls.ErrRecvLimit}}).Setup(ctx, nil)
				c, _ := s.Connect(ctx, nil)
				_, err := c.Drive(ctx)
				return err
			},
			stage: ConnectedState, kind: errs.KindConnect, code: "NTZ-CONNECT-004",
		},
		{
			name: "finalize",
			run: func() error {
				n := runToNotarizing(t, &fakeEngine{session: &fakeSession{t: tr, finalizeErr: boom}})
				c, err := n.Commit(wholeCommit(t, tr))
				if err != nil {
					return err
				}
				_, err = c.Finalize(ctx, RequestConfig{HashAlg: "sha256"})
				return err
			},
			stage: CommittedState, kind: errs.KindFinalize, code: "NTZ-FINALIZE-001",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			var f *Failed
			if !errors.As(err, &f) {
				t.Fatalf("expected *Failed, got %T %v", err, err)
			}
			if f.Stage != tc.stage {
				t.Fatalf("stage %v want %v", f.Stage, tc.stage)
			}
			if !errs.IsKind(err, tc.kind) || errs.Code(err) != tc.code {
				t.Fatalf("got kind %s code %s", errs.KindOf(err), errs.Code(err))
			}
		})
	}
}

func TestCommitRejectsRangesOutsideTranscript(t *testing.T) {
	long := transcript.New([]byte("a much longer request"), []byte("response"))
	short := transcript.New([]byte("req"), []byte("response"))
	n := runToNotarizing(t, &fakeEngine{session: &fakeSession{t: short}})
	_, err := n.Commit(wholeCommit(t, long))
	if !errs.IsKind(err, errs.KindCommit) {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestCommitConsumesOnce(t *testing.T) {
	tr := transcript.New([]byte("request"), []byte("response"))
	n := runToNotarizing(t, &fakeEngine{session: &fakeSession{t: tr}})
	cfg := wholeCommit(t, tr)
	if _, err := n.Commit(cfg); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := n.Commit(cfg); errs.Code(err) != "NTZ-COMMIT-006" {
		t.Fatalf("expected second commit rejected, got %v", err)
	}
}

func TestDriveOnce(t *testing.T) {
	tr := transcript.New([]byte("request"), []byte("response"))
	s, _ := New(testConfig(), &fakeEngine{session: &fakeSession{t: tr}}).Setup(context.Background(), nil)
	c, _ := s.Connect(context.Background(), nil)
	if _, err := c.Drive(context.Background()); err != nil {
		t.Fatalf("drive: %v", err)
	}
	if _, err := c.Drive(context.Background()); errs.Code(err) != "NTZ-CONNECT-005" {
		t.Fatalf("expected second drive rejected, got %v", err)
	}
}
