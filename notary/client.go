// Package notary negotiates a notarization session with a notary server and
// opens the raw channel the MPC-TLS engine runs over.
package notary

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"xdao.co/notarize/errs"
)

// ClientType is the transport the prover asks the notary to use.
const ClientType = "Tcp"

// Request is the session configuration sent to the notary.
type Request struct {
	MaxSentData int
	MaxRecvData int
}

// Accepted is a negotiated session. The caller owns Conn and must close it.
type Accepted struct {
	Conn      net.Conn
	SessionID string
}

// Client talks to one notary.
type Client struct {
	Host      string
	Port      uint16
	EnableTLS bool
	// TLSConfig is used for both requests when EnableTLS is set.
	TLSConfig *tls.Config
	// HTTPClient sends the session request. Nil uses a client built from
	// TLSConfig.
	HTTPClient *http.Client
	Dialer     *net.Dialer
	Logger     *slog.Logger
}

type sessionRequest struct {
	ClientType  string `json:"clientType"`
	MaxSentData int    `json:"maxSentData"`
	MaxRecvData int    `json:"maxRecvData"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// RequestNotarization configures a session and opens its channel. It makes
// exactly one session request and one channel connection, without retries.
func (c *Client) RequestNotarization(ctx context.Context, req Request) (*Accepted, error) {
	id, err := c.configure(ctx, req)
	if err != nil {
		return nil, err
	}
	conn, err := c.upgrade(ctx, id)
	if err != nil {
		return nil, err
	}
	c.logger().Debug("notary session accepted", "session_id", id)
	return &Accepted{Conn: conn, SessionID: id}, nil
}

func (c *Client) configure(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(sessionRequest{
		ClientType:  ClientType,
		MaxSentData: req.MaxSentData,
		MaxRecvData: req.MaxRecvData,
	})
	if err != nil {
		return "", errs.Wrap(errs.KindConnection, "NTZ-NOTARY-001", "encode session request", err)
	}
	u := c.baseURL()
	u.Path = "/session"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", errs.Wrap(errs.KindConnection, "NTZ-NOTARY-001", "build session request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return "", errs.Wrap(errs.KindConnection, "NTZ-NOTARY-002", "send session request to "+c.addr(), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", errs.Wrap(errs.KindConnection, "NTZ-NOTARY-003", "read session response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errs.New(errs.KindRejection, "NTZ-NOTARY-101",
			fmt.Sprintf("session request rejected: %s: %s", resp.Status, bytes.TrimSpace(data)))
	}
	var sr sessionResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return "", errs.Wrap(errs.KindRejection, "NTZ-NOTARY-102", "invalid session response", err)
	}
	if sr.SessionID == "" {
		return "", errs.New(errs.KindRejection, "NTZ-NOTARY-103", "session response carries no session id")
	}
	return sr.SessionID, nil
}

func (c *Client) upgrade(ctx context.Context, sessionID string) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "NTZ-NOTARY-004", "dial notary "+c.addr(), err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	u := c.baseURL()
	u.Path = "/notarize"
	u.RawQuery = url.Values{"sessionId": {sessionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(errs.KindConnection, "NTZ-NOTARY-004", "build notarize request", err)
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "TCP")
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(errs.KindConnection, "NTZ-NOTARY-005", "send notarize request", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(errs.KindConnection, "NTZ-NOTARY-005", "read notarize response", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		_ = resp.Body.Close()
		_ = conn.Close()
		return nil, errs.New(errs.KindRejection, "NTZ-NOTARY-104",
			fmt.Sprintf("notarize request rejected: %s: %s", resp.Status, bytes.TrimSpace(data)))
	}
	if !stop() {
		// ctx fired and closed conn after the response arrived.
		return nil, errs.Wrap(errs.KindConnection, "NTZ-NOTARY-005", "notarize upgrade", ctx.Err())
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := c.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	if !c.EnableTLS {
		return d.DialContext(ctx, "tcp", c.addr())
	}
	td := &tls.Dialer{NetDialer: d, Config: c.tlsConfig()}
	return td.DialContext(ctx, "tcp", c.addr())
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	if !c.EnableTLS {
		return http.DefaultClient
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: c.tlsConfig()}}
}

func (c *Client) tlsConfig() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: c.Host, MinVersion: tls.VersionTLS12}
}

func (c *Client) baseURL() *url.URL {
	scheme := "http"
	if c.EnableTLS {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: c.addr()}
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// bufferedConn keeps bytes read past the upgrade response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
