package notarytest

import (
	"crypto/x509"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
)

// TargetServerName is the name the target server certificate is valid for.
const TargetServerName = "example.com"

// Target is an HTTPS server the prover notarizes against.
type Target struct {
	Host    string
	Port    uint16
	RootCAs *x509.CertPool

	srv *httptest.Server
}

// NewTarget starts an HTTPS server for handler.
func NewTarget(handler http.Handler) *Target {
	srv := httptest.NewTLSServer(handler)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	addr := srv.Listener.Addr().(*net.TCPAddr)
	return &Target{Host: addr.IP.String(), Port: uint16(addr.Port), RootCAs: pool, srv: srv}
}

// JSONHandler answers every request with body as application/json.
func JSONHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write([]byte(body))
	})
}

// CertPEM returns the server certificate, PEM encoded, for use as a CA file.
func (t *Target) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: t.srv.Certificate().Raw})
}

// Close shuts the server down.
func (t *Target) Close() { t.srv.Close() }
