package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnLonginotto/SeQC/internal/progress"
	"github.com/JohnLonginotto/SeQC/internal/scheduler"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
)

type capture struct {
	name   string
	events []Event
	err    error
}

func (c *capture) Name() string { return c.name }

func (c *capture) Publish(_ context.Context, e Event) error {
	c.events = append(c.events, e)
	return c.err
}

func TestFanoutDeliversToEveryPublisher(t *testing.T) {
	ok := &capture{name: "ok"}
	broken := &capture{name: "broken", err: errors.New("connection reset")}
	err := NewFanout(broken, nil, ok).Publish(context.Background(), Event{File: "a.bam"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher broken")
	assert.Len(t, ok.events, 1)
	assert.Len(t, broken.events, 1)
}

func TestRecorderConvertsResults(t *testing.T) {
	sink := &capture{name: "sink"}
	rec := NewRecorder(sink, nil)
	var _ scheduler.Observer = rec

	rec.Event(progress.Event{File: "a.bam", Kind: progress.KindPhase, Phase: progress.PhaseHashing})
	rec.Finished(scheduler.Result{
		File:     "a.bam",
		Outcome:  progress.OutcomeCompleted,
		Hash:     "0123456789abcdef0123456789abcdef",
		Records:  6,
		Groups:   []string{"gc"},
		Duration: 1500 * time.Millisecond,
	})

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, rec.RunID(), e.RunID)
	assert.Len(t, e.ID, 36)
	assert.NotEqual(t, e.RunID, e.ID)
	assert.Equal(t, int64(1500), e.DurationMS)
	assert.Equal(t, []string{"gc"}, e.Groups)
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPPublisherRoutesByOutcome(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, exchange: "seqc.events"}
	require.NoError(t, p.Publish(context.Background(), Event{ID: "e1", File: "a.bam", Outcome: progress.OutcomeDataError}))

	assert.Equal(t, "seqc.events", ch.exchange)
	assert.Equal(t, "seqc.file.data_error", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, "e1", ch.msg.MessageId)

	var decoded Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "a.bam", decoded.File)

	p.key = "custom"
	assert.Equal(t, "custom", p.RoutingKey(Event{Outcome: progress.OutcomeCompleted}))

	_, err := NewAMQPPublisher(AMQPConfig{})
	assert.Error(t, err)
}

func TestLogPublisherWritesAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, logger.Init(logger.Config{
		OutputPaths: []string{"discard"},
		Audit:       logger.AuditConfig{Enabled: true, Path: path},
	}))
	t.Cleanup(func() { logger.Sync() })

	require.NoError(t, LogPublisher{}.Publish(context.Background(), Event{File: "a.bam", Outcome: progress.OutcomeCrashed, Message: "stalled"}))
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(raw))
	assert.Contains(t, line, `"outcome":"crashed"`)
	assert.Contains(t, line, `"message":"stalled"`)
}
