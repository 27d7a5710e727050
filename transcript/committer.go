package transcript

import (
	"fmt"
	"strings"

	"xdao.co/notarize/errs"
)

// Committer decides which parts of a parsed exchange get committed.
type Committer interface {
	Commit(b *CommitBuilder, h *HTTP) error
}

// Committer names accepted by ByName.
const (
	CommitterWhole  = "whole"
	CommitterFields = "fields"
	CommitterRedact = "redact"
)

// ByName returns the committer registered under name. redact lists the
// header names omitted by the redacting committer.
func ByName(name string, redact []string) (Committer, error) {
	switch name {
	case "", CommitterWhole:
		return WholeMessageCommitter{}, nil
	case CommitterFields:
		return FieldCommitter{}, nil
	case CommitterRedact:
		return RedactingCommitter{Headers: redact}, nil
	default:
		return nil, errs.New(errs.KindConfig, "NTZ-CONFIG-121", fmt.Sprintf("unknown committer %q", name))
	}
}

// WholeMessageCommitter commits every request and response as one range
// each.
type WholeMessageCommitter struct{}

func (WholeMessageCommitter) Commit(b *CommitBuilder, h *HTTP) error {
	for _, req := range h.Requests {
		if err := b.CommitSent(req.Span); err != nil {
			return err
		}
	}
	for _, resp := range h.Responses {
		if err := b.CommitRecv(resp.Span); err != nil {
			return err
		}
	}
	return nil
}

// FieldCommitter commits the start line, each header, and the body of every
// message separately so they can be disclosed independently.
type FieldCommitter struct{}

func (FieldCommitter) Commit(b *CommitBuilder, h *HTTP) error {
	return commitFields(b, h, nil)
}

// RedactingCommitter behaves like FieldCommitter but never commits the
// named headers (matched case-insensitively).
type RedactingCommitter struct {
	Headers []string
}

func (c RedactingCommitter) Commit(b *CommitBuilder, h *HTTP) error {
	skip := make(map[string]bool, len(c.Headers))
	for _, name := range c.Headers {
		skip[strings.ToLower(name)] = true
	}
	return commitFields(b, h, skip)
}

func commitFields(b *CommitBuilder, h *HTTP, skip map[string]bool) error {
	for _, req := range h.Requests {
		if err := commitMessage(b, Sent, req.RequestLine, req.Headers, req.Body, skip); err != nil {
			return err
		}
	}
	for _, resp := range h.Responses {
		if err := commitMessage(b, Received, resp.StatusLine, resp.Headers, resp.Body, skip); err != nil {
			return err
		}
	}
	return nil
}

func commitMessage(b *CommitBuilder, dir Direction, start Range, headers []Header, body *Body, skip map[string]bool) error {
	if err := b.Commit(dir, start); err != nil {
		return err
	}
	for _, hdr := range headers {
		if skip[strings.ToLower(hdr.Name)] {
			continue
		}
		if err := b.Commit(dir, hdr.Span); err != nil {
			return err
		}
	}
	if body != nil && !body.Span.Empty() {
		return b.Commit(dir, body.Span)
	}
	return nil
}
