package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"xdao.co/notarize/errs"
)

// ContentKind classifies an HTTP body.
type ContentKind uint8

const (
	ContentUnknown ContentKind = iota
	ContentJSON
)

func (k ContentKind) String() string {
	if k == ContentJSON {
		return "json"
	}
	return "unknown"
}

// Header is one header line. Span covers the whole line including its CRLF.
type Header struct {
	Name  string
	Value string
	Span  Range
}

// Body is an HTTP message body.
//
// Span covers the body as it appeared on the wire (including chunk framing).
// Content holds the decoded payload.
type Body struct {
	Span    Range
	Kind    ContentKind
	Content []byte
	// JSON is the decoded value when Kind is ContentJSON.
	JSON any
}

// Request is one parsed HTTP request in the sent direction.
type Request struct {
	Span        Range
	RequestLine Range
	Method      string
	Target      string
	Proto       string
	Headers     []Header
	Body        *Body
}

// Response is one parsed HTTP response in the received direction.
type Response struct {
	Span       Range
	StatusLine Range
	Proto      string
	StatusCode int
	Reason     string
	Headers    []Header
	Body       *Body
}

// Header returns the first value of the named header (case-insensitive).
func (r *Response) Header(name string) (string, bool) { return lookup(r.Headers, name) }

// Header returns the first value of the named header (case-insensitive).
func (r *Request) Header(name string) (string, bool) { return lookup(r.Headers, name) }

func lookup(hs []Header, name string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// HTTP is the parsed view of a transcript that carried HTTP/1.x traffic.
type HTTP struct {
	Requests  []Request
	Responses []Response
}

// ParseHTTP parses every request in the sent data and every response in the
// received data, keeping byte offsets so parts can be committed later.
func ParseHTTP(t *Transcript) (*HTTP, error) {
	out := &HTTP{}
	sent := t.data(Sent)
	for off := 0; off < len(sent); {
		req, next, err := parseRequest(sent, off)
		if err != nil {
			return nil, errs.Wrap(errs.KindTranscript, "NTZ-TRANSCRIPT-001", "parse request", err)
		}
		out.Requests = append(out.Requests, req)
		off = next
	}
	recv := t.data(Received)
	for off := 0; off < len(recv); {
		resp, next, err := parseResponse(recv, off)
		if err != nil {
			return nil, errs.Wrap(errs.KindTranscript, "NTZ-TRANSCRIPT-002", "parse response", err)
		}
		out.Responses = append(out.Responses, resp)
		off = next
	}
	if len(out.Requests) == 0 {
		return nil, errs.New(errs.KindTranscript, "NTZ-TRANSCRIPT-003", "transcript has no request")
	}
	if len(out.Responses) == 0 {
		return nil, errs.New(errs.KindTranscript, "NTZ-TRANSCRIPT-004", "transcript has no response")
	}
	return out, nil
}

var crlf = []byte("\r\n")

// head is the start line and header block of a message.
type head struct {
	startLine Range
	start     string
	headers   []Header
	end       int // offset just past the blank line
}

func parseHead(data []byte, off int) (head, error) {
	var h head
	eol := bytes.Index(data[off:], crlf)
	if eol < 0 {
		return h, fmt.Errorf("unterminated start line at %d", off)
	}
	h.startLine = Range{Start: off, End: off + eol + 2}
	h.start = string(data[off : off+eol])
	pos := h.startLine.End
	for {
		eol := bytes.Index(data[pos:], crlf)
		if eol < 0 {
			return h, fmt.Errorf("unterminated header block at %d", pos)
		}
		if eol == 0 {
			h.end = pos + 2
			return h, nil
		}
		line := string(data[pos : pos+eol])
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.TrimSpace(name) != name {
			return h, fmt.Errorf("malformed header line at %d", pos)
		}
		h.headers = append(h.headers, Header{
			Name:  name,
			Value: strings.TrimSpace(value),
			Span:  Range{Start: pos, End: pos + eol + 2},
		})
		pos += eol + 2
	}
}

func parseRequest(data []byte, off int) (Request, int, error) {
	h, err := parseHead(data, off)
	if err != nil {
		return Request{}, 0, err
	}
	parts := strings.Split(h.start, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return Request{}, 0, fmt.Errorf("malformed request line %q", h.start)
	}
	req := Request{
		RequestLine: h.startLine,
		Method:      parts[0],
		Target:      parts[1],
		Proto:       parts[2],
		Headers:     h.headers,
	}
	body, end, err := parseBody(data, h.end, h.headers, false)
	if err != nil {
		return Request{}, 0, err
	}
	req.Body = body
	req.Span = Range{Start: off, End: end}
	return req, end, nil
}

func parseResponse(data []byte, off int) (Response, int, error) {
	h, err := parseHead(data, off)
	if err != nil {
		return Response{}, 0, err
	}
	proto, rest, ok := strings.Cut(h.start, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return Response{}, 0, fmt.Errorf("malformed status line %q", h.start)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return Response{}, 0, fmt.Errorf("malformed status code %q", codeStr)
	}
	resp := Response{
		StatusLine: h.startLine,
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Headers:    h.headers,
	}
	noBody := code/100 == 1 || code == 204 || code == 304
	var end int
	if noBody {
		end = h.end
	} else {
		resp.Body, end, err = parseBody(data, h.end, h.headers, true)
		if err != nil {
			return Response{}, 0, err
		}
	}
	resp.Span = Range{Start: off, End: end}
	return resp, end, nil
}

// parseBody reads the body starting at off. Responses without a length run
// to the end of the data, as the connection is closed after them.
func parseBody(data []byte, off int, headers []Header, untilEOF bool) (*Body, int, error) {
	var (
		span    Range
		content []byte
	)
	te, _ := lookup(headers, "Transfer-Encoding")
	cl, hasCL := lookup(headers, "Content-Length")
	switch {
	case strings.EqualFold(strings.TrimSpace(te), "chunked"):
		decoded, end, err := decodeChunked(data, off)
		if err != nil {
			return nil, 0, err
		}
		span, content = Range{Start: off, End: end}, decoded
	case hasCL:
		n, err := strconv.ParseUint(strings.TrimSpace(cl), 10, 63)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid Content-Length %q", cl)
		}
		// Compared without adding to off, which would overflow.
		if n > uint64(len(data)-off) {
			return nil, 0, fmt.Errorf("body truncated: want %d bytes, have %d", n, len(data)-off)
		}
		end := off + int(n)
		span, content = Range{Start: off, End: end}, data[off:end]
	case untilEOF:
		span, content = Range{Start: off, End: len(data)}, data[off:]
	default:
		return nil, off, nil
	}
	if span.Empty() {
		return nil, span.End, nil
	}
	body := &Body{Span: span, Content: append([]byte(nil), content...)}
	if ct, ok := lookup(headers, "Content-Type"); ok && isJSON(ct) {
		var v any
		if err := json.Unmarshal(body.Content, &v); err != nil {
			return nil, 0, fmt.Errorf("invalid JSON body: %w", err)
		}
		body.Kind, body.JSON = ContentJSON, v
	}
	return body, span.End, nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func decodeChunked(data []byte, off int) ([]byte, int, error) {
	var out []byte
	pos := off
	for {
		eol := bytes.Index(data[pos:], crlf)
		if eol < 0 {
			return nil, 0, fmt.Errorf("unterminated chunk size at %d", pos)
		}
		sizeField, _, _ := strings.Cut(string(data[pos:pos+eol]), ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeField), 16, 31)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid chunk size at %d", pos)
		}
		pos += eol + 2
		if size == 0 {
			// Trailers are not supported; expect the terminating CRLF.
			if !bytes.HasPrefix(data[pos:], crlf) {
				return nil, 0, fmt.Errorf("unsupported chunked trailer at %d", pos)
			}
			return out, pos + 2, nil
		}
		end := pos + int(size)
		if end+2 > len(data) || !bytes.Equal(data[end:end+2], crlf) {
			return nil, 0, fmt.Errorf("truncated chunk at %d", pos)
		}
		out = append(out, data[pos:end]...)
		pos = end + 2
	}
}
