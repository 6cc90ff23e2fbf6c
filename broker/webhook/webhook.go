// Package webhook delivers envelopes to an HTTP endpoint. Each Send posts one
// batch body built by the codec.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mickamy/txbus"
)

// Header names set on every request.
const (
	HeaderQueue = "X-Txbus-Queue"
	HeaderCount = "X-Txbus-Count"
)

// Sender posts envelopes to an HTTP endpoint.
type Sender struct {
	client  *http.Client
	target  string
	codec   *txbus.Codec
	headers http.Header
}

// Option configures a Sender.
type Option func(*Sender)

// WithClient replaces the default client with a 5s timeout.
func WithClient(c *http.Client) Option {
	return func(s *Sender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithHeader adds a static header, e.g. an authorization token.
func WithHeader(key, value string) Option {
	return func(s *Sender) {
		s.headers.Add(key, value)
	}
}

func NewSender(target string, codec *txbus.Codec, opts ...Option) *Sender {
	s := &Sender{
		target:  target,
		codec:   codec,
		client:  &http.Client{Timeout: 5 * time.Second},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ txbus.Sender = (*Sender)(nil)

func (s *Sender) Send(ctx context.Context, queue string, envs ...txbus.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	body, err := s.codec.MarshalBatch(envs)
	if err != nil {
		return txbus.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, bytes.NewReader(body))
	if err != nil {
		return txbus.Permanent(err)
	}
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", s.codec.Format().ContentType())
	req.Header.Set(HeaderQueue, queue)
	req.Header.Set(HeaderCount, fmt.Sprint(len(envs)))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func(Body io.ReadCloser) { _ = Body.Close() }(resp.Body)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook responded with %s", resp.Status)
	if permanentStatus(resp.StatusCode) {
		return txbus.Permanent(err)
	}
	return err
}

// permanentStatus reports client errors the receiver will keep rejecting.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
