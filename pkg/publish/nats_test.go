package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mpapenbr/racetimer-go/pkg/race"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type msg struct {
	subj string
	data []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []msg
	err  error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg{subj, data})
	return nil
}

func (c *fakeConn) published() []msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]msg(nil), c.msgs...)
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		evType race.EventType
		want   string
	}{
		{"default prefix", nil, race.EventFinish, "racetimer.race.finish"},
		{"custom prefix", []Option{WithSubjectPrefix("track1.")}, race.EventIgnition,
			"track1.sequence.ignition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(&fakeConn{}, tt.opts...)
			assert.Equal(t, tt.want, p.Subject(race.Event{Type: tt.evType}))
		})
	}
}

func TestRunPublishesJSON(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn)
	events := make(chan race.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background(), events)
	}()

	at := time.Date(2024, 5, 1, 10, 0, 12, 0, time.UTC)
	events <- race.Event{Type: race.EventFinish, At: at, RaceID: "r", Lane: 2,
		Duration: "00:12.000"}
	events <- race.Event{Type: race.EventStopped, At: at, RaceID: "r", Winners: []int{2}}
	close(events)
	<-done

	got := conn.published()
	require.Len(t, got, 2)
	assert.Equal(t, "racetimer.race.finish", got[0].subj)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(got[0].data, &decoded))
	assert.Equal(t, "race.finish", decoded["type"])
	assert.Equal(t, "00:12.000", decoded["duration"])
	assert.InDelta(t, 2, decoded["lane"], 0)
	assert.Equal(t, "racetimer.race.stopped", got[1].subj)
}

func TestRunKeepsGoingOnError(t *testing.T) {
	conn := &fakeConn{err: errors.New("disconnected")}
	p := NewPublisher(conn)
	events := make(chan race.Event, 2)
	events <- race.Event{Type: race.EventPhase}
	events <- race.Event{Type: race.EventIgnition}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, events)
	}()
	require.Eventually(t, func() bool { return len(events) == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, conn.published())
}

func TestConnectInvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "localhost", time.Millisecond)
	assert.Error(t, err)
}
