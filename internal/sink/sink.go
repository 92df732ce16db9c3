// Package sink 把一个文件的分组结果写入存储后端，并在最后合并样本元数据。
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/pipeline"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

// CountsColumn 是可链接结果表的计数列。
const CountsColumn = "counts"

// TableName 返回样本 hash 下分组 key 的结果表名。
func TableName(hash, key string) string { return hash + "_" + key }

// File 描述被分析的文件。
type File struct {
	Hash   string
	Path   string
	Name   string
	Size   int64
	Header string
}

// IndexJob 是一张结果表上的一个索引。
type IndexJob struct {
	Table   string
	Columns []storage.Column
}

// Sink 收集一个文件的结果。不是并发安全的，每个文件一个。
type Sink struct {
	store     storage.Backend
	reg       *plugin.Registry
	file      File
	logger    *slog.Logger
	now       func() time.Time
	started   time.Time
	completed map[string]storage.Completion
	documents map[string]json.RawMessage
	used      map[string]bool
	indexes   []IndexJob
	written   []string
}

// Option 定义 Sink 的可选配置。
type Option func(*Sink)

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建 file 的 Sink，分析耗时从此刻开始计算。
func New(store storage.Backend, reg *plugin.Registry, file File, opts ...Option) *Sink {
	s := &Sink{
		store:     store,
		reg:       reg,
		file:      file,
		logger:    slog.Default(),
		now:       time.Now,
		completed: make(map[string]storage.Completion),
		documents: make(map[string]json.RawMessage),
		used:      make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.started = s.now()
	return s
}

// Write 持久化一个分组结果。结果表整体替换，文档类结果暂存到 Commit，索引留给 Index。
func (s *Sink) Write(ctx context.Context, res pipeline.GroupResult) error {
	fingerprints := s.fingerprints(res.Group)
	entry := storage.Completion{Fingerprints: fingerprints}

	switch res.Kind {
	case plugin.KindDocument:
		raw, err := json.Marshal(res.Document)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeDataError, err, fmt.Sprintf("统计项 %q 的结果无法编码为 JSON", res.Group.Key))
		}
		s.documents[res.Group.Members[0]] = raw
	case plugin.KindLinked, plugin.KindTable:
		spec, err := s.tableSpec(res)
		if err != nil {
			return err
		}
		rows := int64(len(res.Table.Rows))
		entry.Rows = &rows
		if rows == 0 && res.Kind == plugin.KindTable {
			// 空结果不建表，但要清掉上一次分析留下的同名表。
			if err := s.store.DropTable(ctx, spec.Name); err != nil {
				return err
			}
			break
		}
		if err := s.store.ReplaceTable(ctx, spec, res.Table.Rows); err != nil {
			return err
		}
		s.written = append(s.written, spec.Name)
		if job, ok := IndexFor(s.reg, s.file.Hash, res.Group); ok {
			s.indexes = append(s.indexes, job)
		}
	default:
		return xerrors.Newf(xerrors.CodeInvalidArgument, "未知的结果类型 %q", res.Kind)
	}

	now := s.now()
	entry.CompletedAt = now
	entry.DurationMS = now.Sub(s.started).Milliseconds()
	s.completed[res.Group.Key] = entry
	return nil
}

// fingerprints 记录分组成员及其全部依赖的指纹，并把它们标记为已使用。
func (s *Sink) fingerprints(g pipeline.Group) map[string]string {
	out := make(map[string]string)
	for _, member := range g.Members {
		names := append([]string{member}, pipeline.TransitiveDeps(s.reg, member)...)
		for _, name := range names {
			stat, ok := s.reg.Get(name)
			if !ok {
				continue
			}
			out[name] = stat.Fingerprint
			s.used[name] = true
		}
	}
	return out
}

func (s *Sink) tableSpec(res pipeline.GroupResult) (storage.TableSpec, error) {
	if res.Table == nil {
		return storage.TableSpec{}, xerrors.Newf(xerrors.CodeInvalidArgument, "分组 %q 没有结果表", res.Group.Key)
	}
	spec := storage.TableSpec{Name: TableName(s.file.Hash, res.Group.Key)}
	if res.Kind == plugin.KindTable {
		stat, _ := s.reg.Get(res.Group.Members[0])
		for _, c := range stat.Columns {
			spec.Columns = append(spec.Columns, storage.Column{Name: c.Name, Type: c.Type})
		}
		return spec, nil
	}
	for _, member := range res.Group.Members {
		stat, ok := s.reg.Get(member)
		if !ok {
			return storage.TableSpec{}, xerrors.Newf(xerrors.CodeConfiguration, "统计项 %q 未注册", member)
		}
		spec.Columns = append(spec.Columns, storage.Column{Name: member, Type: stat.SQL})
	}
	spec.Columns = append(spec.Columns, storage.Column{Name: CountsColumn, Type: plugin.TypeInt})
	return spec, nil
}

// Commit 合并样本元数据并登记用到的统计项。records 为扫描到的记录总数。
func (s *Sink) Commit(ctx context.Context, records int64) error {
	now := s.now()
	sample := &storage.Sample{
		Hash:       s.file.Hash,
		Path:       s.file.Path,
		FileName:   s.file.Name,
		Size:       s.file.Size,
		Header:     s.file.Header,
		Completed:  s.completed,
		Documents:  s.documents,
		TotalReads: records,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.MergeSample(ctx, sample); err != nil {
		return err
	}
	if err := s.store.SaveMethods(ctx, s.methods()); err != nil {
		return err
	}
	s.logger.Info("样本元数据已合并",
		slog.String("hash", s.file.Hash),
		slog.Int("groups", len(s.completed)),
		slog.Int("tables", len(s.written)))
	return nil
}

func (s *Sink) methods() []storage.Method {
	names := make([]string, 0, len(s.used))
	for name := range s.used {
		names = append(names, name)
	}
	sort.Strings(names)
	methods := make([]storage.Method, 0, len(names))
	for _, name := range names {
		stat, _ := s.reg.Get(name)
		methods = append(methods, storage.Method{
			Fingerprint: stat.Fingerprint,
			Name:        stat.Name,
			Type:        stat.TypeLabel(),
			Code:        stat.Source,
			Compatible:  stat.Compatible,
		})
	}
	return methods
}

// Completed 返回已写入分组的键，按字母排序。
func (s *Sink) Completed() []string {
	keys := make([]string, 0, len(s.completed))
	for k := range s.completed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tables 返回本次写入的结果表。
func (s *Sink) Tables() []string { return append([]string(nil), s.written...) }

// Indexes 返回本次写入的表需要的索引。
func (s *Sink) Indexes() []IndexJob { return append([]IndexJob(nil), s.indexes...) }

// Index 在多写者后端上立即建立索引；单写者后端上不做任何事，原样返回这些索引，
// 由调度器在整批文件结束后统一建立。
func (s *Sink) Index(ctx context.Context) (deferred []IndexJob, err error) {
	if len(s.indexes) == 0 {
		return nil, nil
	}
	if s.store.SingleWriter() {
		return s.Indexes(), nil
	}
	return nil, IndexDeferred(ctx, s.store, s.indexes, s.logger)
}

// IndexFor 返回分组结果表应有的索引：可链接表为成员列加 counts，显式表为其 Index 列。
func IndexFor(reg *plugin.Registry, hash string, g pipeline.Group) (IndexJob, bool) {
	job := IndexJob{Table: TableName(hash, g.Key)}
	if g.Linkable {
		for _, member := range g.Members {
			stat, ok := reg.Get(member)
			if !ok {
				return IndexJob{}, false
			}
			job.Columns = append(job.Columns, storage.Column{Name: member, Type: stat.SQL})
		}
		job.Columns = append(job.Columns, storage.Column{Name: CountsColumn, Type: plugin.TypeInt})
		return job, true
	}

	stat, ok := reg.Get(g.Members[0])
	if !ok || stat.Kind() != plugin.KindTable || len(stat.Index) == 0 {
		return IndexJob{}, false
	}
	types := make(map[string]plugin.SQLType, len(stat.Columns))
	for _, c := range stat.Columns {
		types[c.Name] = c.Type
	}
	for _, name := range stat.Index {
		job.Columns = append(job.Columns, storage.Column{Name: name, Type: types[name]})
	}
	return job, true
}

// SplitKey 把分组键还原成成员名称。统计项名称只含字母数字，因此 "_" 可以无歧义地拆分。
func SplitKey(key string) []string { return strings.Split(key, "_") }
