package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

// ErrSampleNotFound 表示元数据表中没有该哈希。
var ErrSampleNotFound = xerrors.New(xerrors.CodeNotFound, "样本不存在")

// Completion 是一个分析分组的完成记录。
type Completion struct {
	// Rows 为写入的行数，文档类统计项为 nil。
	Rows         *int64            `json:"rows"`
	Fingerprints map[string]string `json:"fingerprints"`
	CompletedAt  time.Time         `json:"completedAt"`
	DurationMS   int64             `json:"durationMs"`
}

// Sample 是 samples 表中的一行，以文件内容哈希为主键。
type Sample struct {
	Hash        string
	Path        string
	FileName    string
	Size        int64
	Header      string
	Completed   map[string]Completion
	Documents   map[string]json.RawMessage
	SampleID    string
	ProjectName string
	Colour      string
	TotalReads  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CompletedKeys 返回已完成分组的键，按字母排序。
func (s *Sample) CompletedKeys() []string {
	keys := make([]string, 0, len(s.Completed))
	for k := range s.Completed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MergeInto 把本次分析的结果合并到已存在的记录上：完成记录与文档按键覆盖，
// 未重新计算的键保留；文件信息刷新；展示信息只在本次非空时覆盖；创建时间保持不变。
func (s *Sample) MergeInto(existing *Sample) *Sample {
	if existing == nil {
		return s
	}
	merged := *existing
	merged.Completed = make(map[string]Completion, len(existing.Completed)+len(s.Completed))
	for k, v := range existing.Completed {
		merged.Completed[k] = v
	}
	for k, v := range s.Completed {
		merged.Completed[k] = v
	}
	merged.Documents = make(map[string]json.RawMessage, len(existing.Documents)+len(s.Documents))
	for k, v := range existing.Documents {
		merged.Documents[k] = v
	}
	for k, v := range s.Documents {
		merged.Documents[k] = v
	}

	merged.Path = s.Path
	merged.FileName = s.FileName
	merged.Size = s.Size
	if s.Header != "" {
		merged.Header = s.Header
	}
	if s.TotalReads > 0 {
		merged.TotalReads = s.TotalReads
	}
	if s.SampleID != "" {
		merged.SampleID = s.SampleID
	}
	if s.ProjectName != "" {
		merged.ProjectName = s.ProjectName
	}
	if s.Colour != "" {
		merged.Colour = s.Colour
	}
	merged.UpdatedAt = s.UpdatedAt
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = s.CreatedAt
	}
	return &merged
}

// Method 是 methods 表中的一行，记录某个指纹对应的统计项源码。
type Method struct {
	Fingerprint string
	Name        string
	Type        string
	Code        string
	Compatible  []string
}

// Column 是结果表的一列。
type Column struct {
	Name string
	Type plugin.SQLType
}

// TableSpec 描述一张结果表。
type TableSpec struct {
	Name    string
	Columns []Column
}

// DisplayColumns 把查询服务使用的字段名映射到 samples 表的列。
var DisplayColumns = map[string]string{
	"sampleID":    "sample_id",
	"projectName": "project_name",
	"colour":      "colour",
}

// Backend 是结果存储后端的契约。
type Backend interface {
	// Migrate 执行内嵌的迁移脚本。
	Migrate(ctx context.Context) error
	// SingleWriter 为 true 时同一时刻只能有一个写者，索引创建推迟到批次结束。
	SingleWriter() bool
	// AcquireWriter 在写入阶段前调用，返回的函数释放写锁。
	AcquireWriter(ctx context.Context) (release func(), err error)
	GetSample(ctx context.Context, hash string) (*Sample, error)
	ListSamples(ctx context.Context) ([]Sample, error)
	// MergeSample 在一个事务内读取、合并并写回样本元数据。
	MergeSample(ctx context.Context, sample *Sample) error
	// ReplaceTable 在一个提交单元内删除同名表、重建并写入全部行。
	ReplaceTable(ctx context.Context, spec TableSpec, rows [][]any) error
	// DropTable 删除结果表，表不存在时不报错。
	DropTable(ctx context.Context, name string) error
	CreateIndex(ctx context.Context, table string, columns []Column) error
	SaveMethods(ctx context.Context, methods []Method) error
	UpdateDisplay(ctx context.Context, hash, field, value string) error
	Settings(ctx context.Context) (map[string]string, error)
	Query(ctx context.Context, query string, args ...any) ([][]any, error)
	// Dialect 用于查询服务拼接标识符。
	Dialect() Dialect
	Close() error
}
