// Package progress 定义工作进程向调度器汇报的类型化事件，以及工作进程一侧的 Reporter。
//
// 一个文件的事件序列为：若干阶段事件，每个阶段后跟零个或多个增量事件（Delta 为 0-9，
// 9 表示至少 9 个百分点，0 为心跳），最后恰好一个终止事件。
package progress

import (
	"time"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
)

// Kind 是事件类型。
type Kind string

const (
	KindPhase    Kind = "phase"
	KindProgress Kind = "progress"
	KindTerminal Kind = "terminal"
)

// Phase 是单个文件处理所处的阶段。
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseHashing    Phase = "hashing"
	PhaseComputing  Phase = "computing"
	PhaseConverting Phase = "converting"
	PhaseWriting    Phase = "writing"
	PhaseIndexing   Phase = "indexing"
)

// Outcome 是文件处理的最终结果。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDataError Outcome = "data_error"
	OutcomeCrashed   Outcome = "crashed"
)

// Outcomes 按展示顺序列出全部结果。
func Outcomes() []Outcome {
	return []Outcome{OutcomeCompleted, OutcomeSkipped, OutcomeDataError, OutcomeCrashed}
}

// MaxDelta 是单个增量事件能携带的最大百分点。
const MaxDelta = 9

// Event 是工作进程发出的一条进度事件。
type Event struct {
	File    string    `json:"file"`
	Kind    Kind      `json:"kind"`
	Phase   Phase     `json:"phase,omitempty"`
	Delta   int       `json:"delta,omitempty"`
	Outcome Outcome   `json:"outcome,omitempty"`
	Hash    string    `json:"hash,omitempty"`
	Message string    `json:"message,omitempty"`
	Records int64     `json:"records,omitempty"`
	Groups  []string  `json:"groups,omitempty"`
	At      time.Time `json:"at"`
}

// Terminal 判断事件是否为终止事件。
func (e Event) Terminal() bool { return e.Kind == KindTerminal }

// Emitter 接收事件。实现必须可以被多个协程同时调用。
type Emitter func(Event)

// OutcomeOf 把工作进程返回的错误映射为结果：无错误为完成，DATA_ERROR 为数据错误，
// 其余都视为崩溃。
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case xerrors.HasCode(err, xerrors.CodeDataError):
		return OutcomeDataError
	default:
		return OutcomeCrashed
	}
}
