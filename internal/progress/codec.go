package progress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// JSONWriter 把事件逐行编码为 JSON，供子进程通过标准输出汇报。第一次写入失败后
// 不再写入，错误由 Err 返回。
type JSONWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	err     error
	onError func(error)
}

// NewJSONWriter 创建写到 w 的 JSONWriter。onError 在第一次写入失败时调用一次。
func NewJSONWriter(w io.Writer, onError func(error)) *JSONWriter {
	return &JSONWriter{enc: json.NewEncoder(w), onError: onError}
}

// Emit 写入一个事件，可作为 Emitter 使用。
func (j *JSONWriter) Emit(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return
	}
	if err := j.enc.Encode(e); err != nil {
		j.err = fmt.Errorf("写入进度事件失败: %w", err)
		if j.onError != nil {
			j.onError(j.err)
		}
	}
}

// Err 返回第一次写入错误。
func (j *JSONWriter) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// JSONEmitter 是不关心写入错误时的 NewJSONWriter(w, nil).Emit。
func JSONEmitter(w io.Writer) Emitter { return NewJSONWriter(w, nil).Emit }

// Decode 逐行读取 JSON 事件并交给 fn，直到 r 结束。无法解析的行返回错误。
func Decode(r io.Reader, fn func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("解析第 %d 行进度事件失败: %w", line, err)
		}
		fn(e)
	}
	return scanner.Err()
}
