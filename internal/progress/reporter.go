package progress

import (
	"sync"
	"time"
)

// Reporter 把阶段内的工作量换算成百分比增量事件，并在长时间没有增量时发送心跳。
type Reporter struct {
	mu        sync.Mutex
	emit      Emitter
	file      string
	phase     Phase
	total     int64
	done      int64
	percent   int
	finished  bool
	now       func() time.Time
	heartbeat time.Duration
	stop      chan struct{}
	wg        sync.WaitGroup
}

// ReporterOption 定义 Reporter 的可选配置。
type ReporterOption func(*Reporter)

// WithHeartbeat 设置心跳间隔，0 表示关闭。
func WithHeartbeat(interval time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.heartbeat = interval
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReporter 创建 file 的 Reporter。配置了心跳时会启动一个后台协程，直到 Finish 为止。
func NewReporter(file string, emit Emitter, opts ...ReporterOption) *Reporter {
	r := &Reporter{emit: emit, file: file, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.emit == nil {
		r.emit = func(Event) {}
	}
	if r.heartbeat > 0 {
		r.stop = make(chan struct{})
		r.wg.Add(1)
		go r.beat()
	}
	return r
}

func (r *Reporter) beat() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if !r.finished {
				r.send(Event{Kind: KindProgress, Phase: r.phase})
			}
			r.mu.Unlock()
		}
	}
}

// send 要求调用方持有锁。
func (r *Reporter) send(e Event) {
	e.File = r.file
	e.At = r.now()
	r.emit(e)
}

// Phase 切换到新阶段，total 为该阶段的工作量（未知时传 0）。
func (r *Reporter) Phase(p Phase, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.phase, r.total, r.done, r.percent = p, total, 0, 0
	r.send(Event{Kind: KindPhase, Phase: p})
}

// Advance 记录 n 个单位的进展，每跨过若干百分点就发出增量事件，单个事件最多 MaxDelta。
func (r *Reporter) Advance(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.total <= 0 || n <= 0 {
		return
	}
	r.done += n
	if r.done > r.total {
		r.done = r.total
	}
	target := int(r.done * 100 / r.total)
	for r.percent < target {
		delta := target - r.percent
		if delta > MaxDelta {
			delta = MaxDelta
		}
		r.percent += delta
		r.send(Event{Kind: KindProgress, Phase: r.phase, Delta: delta})
	}
}

// Percent 返回当前阶段已汇报的百分比。
func (r *Reporter) Percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percent
}

// Result 描述终止事件携带的信息。
type Result struct {
	Outcome Outcome
	Hash    string
	Message string
	Records int64
	Groups  []string
}

// Finish 发出唯一的终止事件并停止心跳，重复调用无效。
func (r *Reporter) Finish(res Result) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.send(Event{
		Kind:    KindTerminal,
		Phase:   r.phase,
		Outcome: res.Outcome,
		Hash:    res.Hash,
		Message: res.Message,
		Records: res.Records,
		Groups:  res.Groups,
	})
	r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
		r.wg.Wait()
	}
}
