// Package scheduler 在有限数量的工作者之间分发文件，跟踪每个工作者的进度事件，
// 并在整批文件结束后运行收尾步骤（例如推迟的索引）。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/progress"
)

// Launcher 为单个文件启动一个工作者，并在工作者结束后返回。
// 工作者的事件通过 emit 送回；一个正常结束的工作者恰好发送一个终止事件。
type Launcher interface {
	Launch(ctx context.Context, file string, emit progress.Emitter) error
}

// Result 是一个文件的最终结果。
type Result struct {
	File     string
	Outcome  progress.Outcome
	Hash     string
	Records  int64
	Groups   []string
	Message  string
	Duration time.Duration
}

// Observer 接收调度过程中的事件，例如状态显示、指标与事件发布。
// 所有回调都在协调协程中串行调用。
type Observer interface {
	Event(e progress.Event)
	Finished(res Result)
}

// Finalizer 在最后一个文件结束后运行一次。
type Finalizer func(ctx context.Context, results []Result) error

// Coordinator 是单协程的调度器。
type Coordinator struct {
	launcher  Launcher
	workers   int
	stall     time.Duration
	observers []Observer
	finalizer Finalizer
	logger    *slog.Logger
	now       func() time.Time
}

// Option 定义 Coordinator 的可选配置。
type Option func(*Coordinator)

// WithWorkers 设置同时存活的工作者数量上限。
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithStallTimeout 设置判定工作者失联的静默时长，0 表示不检测。
func WithStallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.stall = d
	}
}

// WithObserver 追加观察者。
func WithObserver(obs Observer) Option {
	return func(c *Coordinator) {
		if obs != nil {
			c.observers = append(c.observers, obs)
		}
	}
}

// WithFinalizer 设置收尾步骤。
func WithFinalizer(fn Finalizer) Option {
	return func(c *Coordinator) {
		c.finalizer = fn
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New 创建 Coordinator，默认只有一个工作者。
func New(launcher Launcher, opts ...Option) *Coordinator {
	c := &Coordinator{launcher: launcher, workers: 1, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type message struct {
	slot   int
	event  progress.Event
	exited bool
	err    error
}

type handle struct {
	index    int
	file     string
	started  time.Time
	lastSeen time.Time
}

// Run 处理 files 并按输入顺序返回每个文件的结果。已启动的工作者不会被重试；
// ctx 取消后不再启动新文件，已启动的文件仍会得到结果。
func (c *Coordinator) Run(ctx context.Context, files []string) ([]Result, error) {
	if c.launcher == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置工作者启动器")
	}

	msgs := make(chan message, 64)
	done := make(chan struct{})
	defer close(done)

	results := make([]*Result, len(files))
	live := make(map[int]*handle, c.workers)
	next := 0

	var tick <-chan time.Time
	if c.stall > 0 {
		interval := c.stall / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	launch := func() {
		for len(live) < c.workers && next < len(files) && ctx.Err() == nil {
			h := &handle{index: next, file: files[next], started: c.now()}
			h.lastSeen = h.started
			live[next] = h
			next++
			c.notify(progress.Event{File: h.file, Kind: progress.KindPhase, Phase: progress.PhaseQueued, At: h.started})
			go c.spawn(ctx, h, msgs, done)
		}
	}

	finish := func(h *handle, res Result) {
		delete(live, h.index)
		res.File = h.file
		res.Duration = c.now().Sub(h.started)
		results[h.index] = &res
		for _, obs := range c.observers {
			obs.Finished(res)
		}
		c.logger.Debug("文件结束", slog.String("file", h.file), slog.String("outcome", string(res.Outcome)))
	}

	for {
		launch()
		if len(live) == 0 {
			break
		}
		select {
		case m := <-msgs:
			h, ok := live[m.slot]
			if !ok {
				continue
			}
			if m.exited {
				msg := "工作者退出但没有发送终止事件"
				if m.err != nil {
					msg = fmt.Sprintf("%s: %v", msg, m.err)
				}
				finish(h, Result{Outcome: progress.OutcomeCrashed, Message: msg})
				continue
			}
			h.lastSeen = c.now()
			m.event.File = h.file
			c.notify(m.event)
			if m.event.Terminal() {
				finish(h, Result{
					Outcome: m.event.Outcome,
					Hash:    m.event.Hash,
					Records: m.event.Records,
					Groups:  m.event.Groups,
					Message: m.event.Message,
				})
			}
		case <-tick:
			now := c.now()
			for _, h := range stalled(live, now, c.stall) {
				c.logger.Warn("工作者长时间无响应，判定为崩溃",
					slog.String("file", h.file),
					slog.Duration("silent", now.Sub(h.lastSeen)))
				finish(h, Result{Outcome: progress.OutcomeCrashed, Message: fmt.Sprintf("工作者 %s 内没有任何事件", c.stall)})
			}
		}
	}

	out := make([]Result, 0, len(files))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}

	if c.finalizer != nil {
		if err := c.finalizer(context.WithoutCancel(ctx), out); err != nil {
			return out, err
		}
	}
	return out, ctx.Err()
}

// spawn 运行工作者。协调协程返回后不再阻塞发送。
func (c *Coordinator) spawn(ctx context.Context, h *handle, msgs chan<- message, done <-chan struct{}) {
	send := func(m message) {
		select {
		case msgs <- m:
		case <-done:
		}
	}
	err := c.launcher.Launch(ctx, h.file, func(e progress.Event) {
		send(message{slot: h.index, event: e})
	})
	send(message{slot: h.index, exited: true, err: err})
}

func (c *Coordinator) notify(e progress.Event) {
	for _, obs := range c.observers {
		obs.Event(e)
	}
}

func stalled(live map[int]*handle, now time.Time, limit time.Duration) []*handle {
	var out []*handle
	for _, h := range live {
		if now.Sub(h.lastSeen) > limit {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// Tally 按结果类型计数，每种结果都有条目。
func Tally(results []Result) map[progress.Outcome]int {
	counts := make(map[progress.Outcome]int, len(progress.Outcomes()))
	for _, o := range progress.Outcomes() {
		counts[o] = 0
	}
	for _, r := range results {
		counts[r.Outcome]++
	}
	return counts
}
