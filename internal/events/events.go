// Package events 发布每个文件的终止结果，供审计日志与下游系统（RabbitMQ）消费。
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JohnLonginotto/SeQC/internal/progress"
	"github.com/JohnLonginotto/SeQC/internal/scheduler"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
)

// Event 是一次文件分析的终止结果。
type Event struct {
	ID         string           `json:"id"`
	RunID      string           `json:"runId"`
	File       string           `json:"file"`
	Hash       string           `json:"hash,omitempty"`
	Outcome    progress.Outcome `json:"outcome"`
	Records    int64            `json:"records,omitempty"`
	Groups     []string         `json:"groups,omitempty"`
	Message    string           `json:"message,omitempty"`
	DurationMS int64            `json:"durationMs"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// Publisher 把事件投递到某个目的地。
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Fanout 把事件广播给多个发布者，单个发布者失败不影响其他发布者。
type Fanout struct {
	publishers []Publisher
}

// NewFanout 创建 Fanout，忽略 nil。
func NewFanout(publishers ...Publisher) *Fanout {
	f := &Fanout{}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

// Name 实现 Publisher。
func (f *Fanout) Name() string { return "fanout" }

// Publish 实现 Publisher。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogPublisher 把事件写入审计日志。
type LogPublisher struct{}

// Name 实现 Publisher。
func (LogPublisher) Name() string { return "audit" }

// Publish 实现 Publisher。
func (LogPublisher) Publish(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("run_id", event.RunID),
		slog.String("file", event.File),
		slog.String("hash", event.Hash),
		slog.String("outcome", string(event.Outcome)),
		slog.Int64("records", event.Records),
		slog.Any("groups", event.Groups),
		slog.Int64("duration_ms", event.DurationMS),
	}
	switch event.Outcome {
	case progress.OutcomeCompleted, progress.OutcomeSkipped:
		logger.Audit().Info("文件分析结束", attrs...)
	default:
		logger.Audit().Warn("文件分析失败", append(attrs, slog.String("message", event.Message))...)
	}
	return nil
}

// Recorder 把调度结果转换为事件并发布，实现 scheduler.Observer。
type Recorder struct {
	runID     string
	publisher Publisher
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder 创建 Recorder，每次批次生成一个新的 run id。
func NewRecorder(publisher Publisher, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		runID:     uuid.NewString(),
		publisher: publisher,
		timeout:   5 * time.Second,
		logger:    log,
		now:       time.Now,
	}
}

// RunID 返回本批次的标识。
func (r *Recorder) RunID() string { return r.runID }

// Event 实现 scheduler.Observer，进度事件不发布。
func (r *Recorder) Event(progress.Event) {}

// Finished 实现 scheduler.Observer。发布失败只记录日志。
func (r *Recorder) Finished(res scheduler.Result) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	event := Event{
		ID:         uuid.NewString(),
		RunID:      r.runID,
		File:       res.File,
		Hash:       res.Hash,
		Outcome:    res.Outcome,
		Records:    res.Records,
		Groups:     res.Groups,
		Message:    res.Message,
		DurationMS: res.Duration.Milliseconds(),
		OccurredAt: r.now(),
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("发布文件结果事件失败", slog.String("file", res.File), slog.Any("error", err))
	}
}
