// Package publish forwards vitals results to a NATS subject as JSON.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/pulse.report/internal/vitals/pipeline"
)

// DefaultSubjectPrefix is the subject root results are published under.
const DefaultSubjectPrefix = "vitals"

// Connect dials a NATS server, reconnecting forever in the background.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.Name("pulse.report"),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
}

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Message is the JSON payload of one published result.
type Message struct {
	Session string `json:"session"`
	pipeline.Result
}

// Sink publishes every result it receives on one subject. It implements
// pipeline.ResultSink.
type Sink struct {
	pub     Publisher
	subject string
	session string
}

var _ pipeline.ResultSink = (*Sink)(nil)

// NewSink creates a sink publishing the results of session to
// <prefix>.<session>.estimate.
func NewSink(pub Publisher, prefix, session string) *Sink {
	return &Sink{pub: pub, subject: Subject(prefix, session), session: session}
}

// Subject returns the sink's subject.
func (s *Sink) Subject() string { return s.subject }

// PublishResult marshals r and publishes it. NATS buffers while
// disconnected, so this does not block on the network.
func (s *Sink) PublishResult(ctx context.Context, r pipeline.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Message{Session: s.session, Result: r})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}

// Subject builds <prefix>.<session>.estimate. Characters that are not
// valid inside a NATS subject token are replaced with '_'.
func Subject(prefix, session string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if session == "" {
		return prefix + ".estimate"
	}
	return prefix + "." + token(session) + ".estimate"
}

func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
