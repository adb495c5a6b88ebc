package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"

	"ban/internal/resource/entities"
	"ban/internal/resource/service"
	"ban/internal/resource/store/memory"
	"ban/internal/resource/validator"
	"ban/pkg/platform/circuit"
	banutil "ban/pkg/testutil"
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]Message
	fail    error
}

func (p *recordingPublisher) Publish(_ context.Context, msgs []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.batches = append(p.batches, msgs)
	return nil
}

func (p *recordingPublisher) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

type RelaySuite struct {
	suite.Suite
	service   *service.Service
	cursor    *MemoryCursor
	publisher *recordingPublisher
	metrics   *Metrics
	relay     *Relay
	ctx       context.Context
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupTest() {
	registry := entities.MustRegistry()
	s.service = service.New(registry, memory.New(registry))
	s.cursor = NewMemoryCursor()
	s.publisher = &recordingPublisher{}
	s.metrics = NewMetrics(nil)
	s.relay = NewRelay(s.service, s.cursor, s.publisher,
		WithBatchSize(2),
		WithMetrics(s.metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.ctx = banutil.ActorContext(banutil.Writer(1))
}

func (s *RelaySuite) createMunicipalities(n int) {
	for i := range n {
		_, err := s.service.Create(s.ctx, entities.Municipality, map[string]any{
			"name":  fmt.Sprintf("Commune %d", i),
			"insee": fmt.Sprintf("7731%d", i),
		})
		s.Require().NoError(err)
	}
}

func (s *RelaySuite) TestDrainPublishesInBatches() {
	s.createMunicipalities(5)

	n, err := s.relay.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(5, n)
	s.Len(s.publisher.batches, 3)

	msgs := s.publisher.messages()
	for i, msg := range msgs {
		s.Equal(int64(i+1), msg.Increment)
		s.Equal(entities.Municipality, msg.Resource)
		body := string(msg.Value)
		s.Equal(string(msg.Key), gjson.Get(body, "resource_id").String())
		s.Equal(msg.Increment, gjson.Get(body, "increment").Int())
		s.Equal("7731"+strconv.Itoa(i), gjson.Get(body, "new.insee").String())
		s.Nil(gjson.Get(body, "old").Value())
	}

	cursor, err := s.cursor.Load(context.Background(), defaultCursorName)
	s.Require().NoError(err)
	s.Equal(int64(5), cursor)
	s.Equal(float64(5), promtest.ToFloat64(s.metrics.Published.WithLabelValues(entities.Municipality)))
	s.Equal(float64(5), promtest.ToFloat64(s.metrics.Increment))

	n, err = s.relay.Drain(context.Background())
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *RelaySuite) TestDrainResumesAfterCursor() {
	s.createMunicipalities(1)
	_, err := s.relay.Drain(context.Background())
	s.Require().NoError(err)

	_, err = s.service.Update(s.ctx, entities.Municipality, "insee:77310", map[string]any{"name": "Renommée"}, validator.Patch)
	s.Require().NoError(err)

	n, err := s.relay.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)
	last := s.publisher.messages()[1]
	s.Equal(int64(2), last.Increment)
	s.Equal("Renommée", gjson.GetBytes(last.Value, "diff.name.new").String())
	s.Equal("Commune 0", gjson.GetBytes(last.Value, "old.name").String())
}

func (s *RelaySuite) TestFailedBatchIsRetried() {
	s.createMunicipalities(1)
	s.publisher.fail = errors.New("broker unavailable")

	_, err := s.relay.Drain(context.Background())
	s.Require().Error(err)
	cursor, _ := s.cursor.Load(context.Background(), defaultCursorName)
	s.Zero(cursor)
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.Failures))

	s.publisher.fail = nil
	n, err := s.relay.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *RelaySuite) TestRunDrainsOnNotify() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.relay.Run(ctx) }()

	s.createMunicipalities(1)
	s.relay.Notify()
	s.Eventually(func() bool { return len(s.publisher.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

func (s *RelaySuite) TestNotifyCoalesces() {
	s.relay.Notify()
	s.relay.Notify()
	s.Len(s.relay.wake, 1)
}

func (s *RelaySuite) TestNamedCursors() {
	s.createMunicipalities(1)
	other := NewRelay(s.service, s.cursor, s.publisher, WithName("archive"))
	_, err := s.relay.Drain(context.Background())
	s.Require().NoError(err)

	pos, _ := s.cursor.Load(context.Background(), "archive")
	s.Zero(pos)
	n, err := other.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *RelaySuite) TestOpenCircuitWaitsForCatchUp() {
	breaker := circuit.New("kafka", circuit.WithFailureThreshold(1))
	relay := NewRelay(s.service, s.cursor, s.publisher,
		WithBreaker(breaker),
		WithMetrics(s.metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.createMunicipalities(1)
	s.publisher.fail = errors.New("broker unavailable")

	_, err := relay.Drain(context.Background())
	s.Require().Error(err)
	s.True(breaker.IsOpen())
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.Circuit))

	s.publisher.fail = nil
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	relay.Notify()
	s.Never(func() bool { return len(s.publisher.messages()) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	cancel()
	s.ErrorIs(<-done, context.Canceled)

	s.Require().NoError(relay.CatchUp(context.Background()))
	s.Len(s.publisher.messages(), 1)
	s.True(breaker.IsOpen(), "one success is below the close threshold")

	_, err = s.service.Create(s.ctx, entities.Municipality, map[string]any{"name": "Autre", "insee": "77399"})
	s.Require().NoError(err)
	s.Require().NoError(relay.CatchUp(context.Background()))
	s.False(breaker.IsOpen())
	s.Zero(promtest.ToFloat64(s.metrics.Circuit))
}
