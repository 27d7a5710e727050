package exchange

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"xdao.co/notarize/config"
	"xdao.co/notarize/errs"
)

// serve reads one request head from conn, answers with resp and closes.
func serve(t *testing.T, conn net.Conn, resp string) <-chan string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		defer conn.Close()
		br := bufio.NewReader(conn)
		var head strings.Builder
		for {
			line, err := br.ReadString('\n')
			head.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		got <- head.String()
		_, _ = io.WriteString(conn, resp)
	}()
	return got
}

func exchange(t *testing.T, resp string) (*Response, string, error) {
	t.Helper()
	client, server := net.Pipe()
	head := serve(t, server, resp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender, conn := Handshake(client)
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	req, err := FixedRequest(ctx, "test-server.io", "/formats/json", "")
	if err != nil {
		t.Fatalf("fixed request: %v", err)
	}
	out, err := sender.Send(ctx, req)
	if rerr := <-runErr; rerr != nil && err == nil {
		t.Fatalf("run: %v", rerr)
	}
	return out, <-head, err
}

func TestFixedRequestShape(t *testing.T) {
	_, head, err := exchange(t, "HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nok")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := "GET /formats/json HTTP/1.0\r\n" +
		"Host: test-server.io\r\n" +
		"Accept: */*\r\n" +
		"Accept-Encoding: identity\r\n" +
		"Connection: close\r\n" +
		"User-Agent: " + config.DefaultUserAgent + "\r\n" +
		"\r\n"
	if head != want {
		t.Fatalf("request head:\n%q\nwant:\n%q", head, want)
	}
}

func TestSendReadsBody(t *testing.T) {
	body := `{"status":"ok"}`
	resp, _, err := exchange(t, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n"+body)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != body {
		t.Fatalf("got %d %q", resp.StatusCode, resp.Body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("header: %v", resp.Header)
	}
}

func TestSendUnexpectedStatus(t *testing.T) {
	resp, _, err := exchange(t, "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 4\r\n\r\nbusy")
	if !errs.IsKind(err, errs.KindUnexpectedStatus) {
		t.Fatalf("expected unexpected status error, got %v", err)
	}
	if resp == nil || resp.StatusCode != 503 || string(resp.Body) != "busy" {
		t.Fatalf("expected response alongside error, got %+v", resp)
	}
}

func TestSendConnectionClosedEarly(t *testing.T) {
	_, _, err := exchange(t, "")
	if !errs.IsKind(err, errs.KindConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	sender, conn := Handshake(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := conn.Run(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	req, _ := FixedRequest(context.Background(), "test-server.io", "/", "ua")
	if _, err := sender.Send(context.Background(), req); errs.Code(err) != "NTZ-EXCHANGE-002" {
		t.Fatalf("expected closed connection error, got %v", err)
	}
}
