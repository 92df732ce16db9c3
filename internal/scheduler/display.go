package scheduler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/JohnLonginotto/SeQC/internal/progress"
)

var (
	symbols = map[progress.Outcome]string{
		progress.OutcomeCompleted: "✓",
		progress.OutcomeSkipped:   "-",
		progress.OutcomeDataError: "?",
		progress.OutcomeCrashed:   "!",
	}
	outcomeStyles = map[progress.Outcome]lipgloss.Style{
		progress.OutcomeCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		progress.OutcomeSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		progress.OutcomeDataError: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		progress.OutcomeCrashed:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
	phaseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Width(11)
	hashStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Symbol 返回结果类型的单字符标记。
func Symbol(o progress.Outcome) string {
	if s, ok := symbols[o]; ok {
		return s
	}
	return "?"
}

type fileState struct {
	phase   progress.Phase
	percent int
}

// Display 是终端状态显示。终端上每个活动文件一行进度条并原地刷新；
// 非终端输出只在文件结束时打印一行。
type Display struct {
	mu     sync.Mutex
	out    io.Writer
	tty    bool
	bar    bar.Model
	active map[string]*fileState
	order  []string
	counts map[progress.Outcome]int
	drawn  int
}

// NewDisplay 创建写到 out 的 Display，out 为终端时启用进度条。
func NewDisplay(out io.Writer) *Display {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Display{
		out:    out,
		tty:    tty,
		bar:    bar.New(bar.WithDefaultGradient(), bar.WithWidth(30)),
		active: make(map[string]*fileState),
		counts: make(map[progress.Outcome]int),
	}
}

// Event 实现 Observer。
func (d *Display) Event(e progress.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.active[e.File]
	if !ok {
		if e.Terminal() {
			return
		}
		st = &fileState{}
		d.active[e.File] = st
		d.order = append(d.order, e.File)
	}
	switch e.Kind {
	case progress.KindPhase:
		st.phase, st.percent = e.Phase, 0
	case progress.KindProgress:
		st.percent += e.Delta
		if st.percent > 100 {
			st.percent = 100
		}
	}
	if d.tty {
		d.redraw()
	}
}

// Finished 实现 Observer。
func (d *Display) Finished(res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.active, res.File)
	for i, f := range d.order {
		if f == res.File {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.counts[res.Outcome]++

	if d.tty {
		d.clear()
	}
	fmt.Fprintln(d.out, FormatResult(res))
	if d.tty {
		d.redraw()
	}
}

// FormatResult 渲染一个文件的结果行。
func FormatResult(res Result) string {
	style, ok := outcomeStyles[res.Outcome]
	if !ok {
		style = lipgloss.NewStyle()
	}
	var b strings.Builder
	b.WriteString(style.Render(Symbol(res.Outcome)))
	b.WriteByte(' ')
	b.WriteString(filepath.Base(res.File))
	if res.Hash != "" {
		b.WriteString(" ")
		b.WriteString(hashStyle.Render(res.Hash))
	}
	if res.Records > 0 {
		fmt.Fprintf(&b, " %d reads", res.Records)
	}
	if res.Message != "" {
		b.WriteString(": ")
		b.WriteString(res.Message)
	}
	return b.String()
}

// Summary 输出各结果类型的计数。
func (d *Display) Summary() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	parts := make([]string, 0, len(progress.Outcomes()))
	for _, o := range progress.Outcomes() {
		parts = append(parts, fmt.Sprintf("%s %s %d", outcomeStyles[o].Render(Symbol(o)), o, d.counts[o]))
	}
	return strings.Join(parts, "  ")
}

// Close 清除终端上残留的进度条。
func (d *Display) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tty {
		d.clear()
	}
}

// clear 与 redraw 要求调用方持有锁。
func (d *Display) clear() {
	for i := 0; i < d.drawn; i++ {
		fmt.Fprint(d.out, "\x1b[1A\x1b[2K")
	}
	d.drawn = 0
}

func (d *Display) redraw() {
	d.clear()
	for _, file := range d.order {
		st := d.active[file]
		fmt.Fprintf(d.out, "%s %s %s\n",
			phaseStyle.Render(string(st.phase)),
			d.bar.ViewAs(float64(st.percent)/100),
			filepath.Base(file))
		d.drawn++
	}
}
