// Package exchange drives a single HTTP/1.x exchange over the prover's
// plaintext stream. It is split, like a client connection, into a Sender
// used by the caller and a Conn task that performs the I/O.
package exchange

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"xdao.co/notarize/config"
	"xdao.co/notarize/errs"
)

// MaxBodyBytes bounds the response body read into memory.
const MaxBodyBytes = 1 << 24

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	Header     http.Header
	Body       []byte
}

type result struct {
	resp *Response
	err  error
}

type pending struct {
	req   *http.Request
	reply chan result
}

// Sender submits the request handled by the paired Conn.
type Sender struct {
	reqs chan<- pending
	done <-chan struct{}
	once sync.Once
}

// Conn performs the exchange on the stream. Run must be running for Send to
// complete.
type Conn struct {
	stream net.Conn
	reqs   <-chan pending
	done   chan struct{}
}

// Handshake pairs a Sender with the Conn that will drive stream.
func Handshake(stream net.Conn) (*Sender, *Conn) {
	reqs := make(chan pending)
	done := make(chan struct{})
	return &Sender{reqs: reqs, done: done}, &Conn{stream: stream, reqs: reqs, done: done}
}

// Send writes req and waits for its response. A non-2xx status returns the
// response together with an UnexpectedStatus error.
func (s *Sender) Send(ctx context.Context, req *http.Request) (*Response, error) {
	sent := false
	s.once.Do(func() { sent = true })
	if !sent {
		return nil, errs.New(errs.KindConnection, "NTZ-EXCHANGE-001", "sender already used")
	}
	p := pending{req: req, reply: make(chan result, 1)}
	select {
	case s.reqs <- p:
	case <-s.done:
		return nil, errs.New(errs.KindConnection, "NTZ-EXCHANGE-002", "connection closed before request was sent")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var r result
	select {
	case r = <-p.reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.resp.StatusCode < 200 || r.resp.StatusCode > 299 {
		return r.resp, errs.New(errs.KindUnexpectedStatus, "NTZ-EXCHANGE-101",
			fmt.Sprintf("unexpected response status %s", r.resp.Status))
	}
	return r.resp, nil
}

// Run waits for the request, performs the exchange, and closes the stream.
// The stream is also closed when ctx is done.
func (c *Conn) Run(ctx context.Context) (err error) {
	defer close(c.done)
	defer c.stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.stream.Close() })
	defer stop()

	var p pending
	select {
	case p = <-c.reqs:
	case <-ctx.Done():
		return ctx.Err()
	}
	resp, err := c.roundTrip(p.req)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	p.reply <- result{resp: resp, err: err}
	return err
}

func (c *Conn) roundTrip(req *http.Request) (*Response, error) {
	bw := bufio.NewWriter(c.stream)
	if err := writeRequest(bw, req); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "NTZ-EXCHANGE-003", "write request", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "NTZ-EXCHANGE-003", "write request", err)
	}
	hr, err := http.ReadResponse(bufio.NewReader(c.stream), req)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "NTZ-EXCHANGE-004", "read response", err)
	}
	defer hr.Body.Close()
	body, err := io.ReadAll(io.LimitReader(hr.Body, MaxBodyBytes))
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "NTZ-EXCHANGE-004", "read response body", err)
	}
	return &Response{
		StatusCode: hr.StatusCode,
		Status:     hr.Status,
		Proto:      hr.Proto,
		Header:     hr.Header,
		Body:       body,
	}, nil
}

// writeRequest serializes req with its own protocol version. Headers other
// than Host are written in sorted order.
func writeRequest(w *bufio.Writer, req *http.Request) error {
	proto := req.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", req.Method, req.URL.RequestURI(), proto); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Host: %s\r\n", host); err != nil {
		return err
	}
	if err := req.Header.Write(w); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// FixedRequest returns the one request shape the load driver sends. An
// empty userAgent falls back to config.DefaultUserAgent.
func FixedRequest(ctx context.Context, serverName, path, userAgent string) (*http.Request, error) {
	if userAgent == "" {
		userAgent = config.DefaultUserAgent
	}
	u, err := url.Parse(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "NTZ-CONFIG-105", "invalid server path", err)
	}
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.0",
		ProtoMajor: 1,
		ProtoMinor: 0,
		Host:       serverName,
		Header: http.Header{
			"Accept":          {"*/*"},
			"Accept-Encoding": {"identity"},
			"Connection":      {"close"},
			"User-Agent":      {userAgent},
		},
		Body: http.NoBody,
	}
	return req.WithContext(ctx), nil
}
