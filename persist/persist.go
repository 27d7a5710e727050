// Package persist writes finished notarizations to disk and, optionally,
// mirrors them into content-addressed storage.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"xdao.co/notarize/attestation"
	"xdao.co/notarize/cidutil"
	"xdao.co/notarize/codec"
	"xdao.co/notarize/errs"
	"xdao.co/notarize/storage"
)

// AttestationFile is the file name of a session's attestation.
func AttestationFile(sessionID string) string { return "attestation-" + sessionID + ".tlsn" }

// SecretsFile is the file name of a session's secrets.
func SecretsFile(sessionID string) string { return "secrets-" + sessionID + ".tlsn" }

// Record describes what Persist wrote.
type Record struct {
	SessionID       string
	AttestationPath string
	SecretsPath     string
	AttestationCID  cid.Cid
	SecretsCID      cid.Cid
	// Mirrored is set when both artifacts were stored in the mirror.
	Mirrored bool
}

// Persister writes attestation/secrets pairs.
type Persister struct {
	// Dir is the output directory; empty means the working directory.
	Dir    string
	Mirror storage.CAS
	Logger *slog.Logger
}

// Persist encodes both artifacts, mirrors them, then writes them. A mirror
// failure leaves nothing on disk. Each file is replaced atomically, but the
// pair is not: if the secrets write fails the attestation file stays.
func (p *Persister) Persist(ctx context.Context, a *attestation.Attestation, s *attestation.Secrets) (*Record, error) {
	if a == nil || s == nil {
		return nil, errs.New(errs.KindPersist, "NTZ-PERSIST-001", "nothing to persist")
	}
	if a.SessionID == "" || a.SessionID != s.SessionID {
		return nil, errs.New(errs.KindPersist, "NTZ-PERSIST-002",
			fmt.Sprintf("attestation session %q does not match secrets session %q", a.SessionID, s.SessionID))
	}
	attBytes, err := codec.Seal(codec.FormatAttestation, a)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersist, "NTZ-PERSIST-003", "encode attestation", err)
	}
	secBytes, err := codec.Seal(codec.FormatSecrets, s)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersist, "NTZ-PERSIST-003", "encode secrets", err)
	}

	dir := p.Dir
	if dir == "" {
		dir = "."
	}
	rec := &Record{
		SessionID:       a.SessionID,
		AttestationPath: filepath.Join(dir, AttestationFile(a.SessionID)),
		SecretsPath:     filepath.Join(dir, SecretsFile(a.SessionID)),
	}
	if rec.AttestationCID, err = cidutil.Sum(attBytes); err != nil {
		return nil, errs.Wrap(errs.KindPersist, "NTZ-PERSIST-003", "attestation cid", err)
	}
	if rec.SecretsCID, err = cidutil.Sum(secBytes); err != nil {
		return nil, errs.Wrap(errs.KindPersist, "NTZ-PERSIST-003", "secrets cid", err)
	}

	if p.Mirror != nil {
		for _, blob := range [][]byte{attBytes, secBytes} {
			if _, err := p.Mirror.Put(ctx, blob); err != nil {
				return nil, errs.Wrap(errs.KindPersist, "NTZ-PERSIST-006", "mirror artifact", err)
			}
		}
		rec.Mirrored = true
	}

	if err := writeFileAtomic(rec.AttestationPath, attBytes, 0o644); err != nil {
		return nil, errs.Wrap(errs.KindPersist, "NTZ-PERSIST-004", "write attestation", err)
	}
	if err := writeFileAtomic(rec.SecretsPath, secBytes, 0o600); err != nil {
		return rec, errs.Wrap(errs.KindPersist, "NTZ-PERSIST-005", "write secrets", err)
	}

	p.logger().Debug("notarization persisted",
		"session_id", rec.SessionID,
		"attestation", rec.AttestationPath,
		"attestation_cid", rec.AttestationCID.String(),
		"mirrored", rec.Mirrored,
	)
	return rec, nil
}

func (p *Persister) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads and decodes a persisted pair.
func Load(attestationPath, secretsPath string) (*attestation.Attestation, *attestation.Secrets, error) {
	a, err := LoadAttestation(attestationPath)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(secretsPath)
	if err != nil {
		return nil, nil, err
	}
	var s attestation.Secrets
	if err := codec.Open(data, codec.FormatSecrets, &s); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", secretsPath, err)
	}
	return a, &s, nil
}

// LoadAttestation reads and decodes an attestation file.
func LoadAttestation(path string) (*attestation.Attestation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a attestation.Attestation
	if err := codec.Open(data, codec.FormatAttestation, &a); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &a, nil
}
