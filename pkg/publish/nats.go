// Package publish forwards race events to a NATS server.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/race"
	"github.com/mpapenbr/racetimer-go/pkg/utils"
)

const DefaultSubjectPrefix = "racetimer"

type (
	// Conn is the part of *nats.Conn used for publishing.
	Conn interface {
		Publish(subj string, data []byte) error
	}

	Option func(*Publisher)

	Publisher struct {
		conn   Conn
		prefix string
		l      *log.Logger
	}
)

func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.prefix = strings.TrimSuffix(prefix, ".")
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Publisher) {
		p.l = l
	}
}

func NewPublisher(conn Conn, opts ...Option) *Publisher {
	ret := &Publisher{
		conn:   conn,
		prefix: DefaultSubjectPrefix,
		l:      log.Default().Named("publish"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Connect waits for the server to accept tcp connections and connects to it.
func Connect(ctx context.Context, url string, timeout time.Duration) (*nats.Conn, error) {
	addr, err := utils.HostPort(url, nats.DefaultPort)
	if err != nil {
		return nil, err
	}
	if err := utils.WaitForTCP(ctx, addr, timeout); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(url,
		nats.Name("racetimer"),
		nats.MaxReconnects(-1),
		nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Subject returns the subject an event is published on, e.g. racetimer.race.finish
func (p *Publisher) Subject(ev race.Event) string {
	return p.prefix + "." + string(ev.Type)
}

func (p *Publisher) Publish(ev race.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(ev), data)
}

// Run publishes every event from events until the channel is closed or ctx is done.
func (p *Publisher) Run(ctx context.Context, events <-chan race.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				p.l.Warn("could not publish event",
					log.String("type", string(ev.Type)),
					log.ErrorField(err))
			}
		}
	}
}
