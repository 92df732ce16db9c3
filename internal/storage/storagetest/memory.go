package storagetest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

// Memory 是内存中的 storage.Backend，记录每次写入，供上层包测试使用。
type Memory struct {
	mu       sync.Mutex
	single   bool
	samples  map[string]*storage.Sample
	tables   map[string][][]any
	specs    map[string]storage.TableSpec
	indexes  map[string][]storage.Column
	methods  map[string]storage.Method
	settings map[string]string

	// Writes 统计 ReplaceTable、MergeSample、SaveMethods、CreateIndex 与 UpdateDisplay 的调用次数。
	Writes      int
	// FailReplace 非空时 ReplaceTable 返回该错误。
	FailReplace error

	locks int
}

// NewMemory 创建空的内存后端。single 为 true 时模拟单写者后端。
func NewMemory(single bool) *Memory {
	return &Memory{
		single:  single,
		samples: make(map[string]*storage.Sample),
		tables:  make(map[string][][]any),
		specs:   make(map[string]storage.TableSpec),
		indexes: make(map[string][]storage.Column),
		methods: make(map[string]storage.Method),
		settings: map[string]string{
			"public":    "false",
			"listen_on": "8080",
			"bind_to":   "127.0.0.1",
		},
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) SingleWriter() bool { return m.single }

func (m *Memory) AcquireWriter(context.Context) (func(), error) {
	m.mu.Lock()
	m.locks++
	m.mu.Unlock()
	return func() {}, nil
}

func (m *Memory) GetSample(_ context.Context, hash string) (*storage.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[hash]
	if !ok {
		return nil, storage.ErrSampleNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSamples(context.Context) ([]storage.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Sample, 0, len(m.samples))
	for _, s := range m.samples {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (m *Memory) MergeSample(_ context.Context, sample *storage.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	m.samples[sample.Hash] = sample.MergeInto(m.samples[sample.Hash])
	return nil
}

func (m *Memory) ReplaceTable(_ context.Context, spec storage.TableSpec, rows [][]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	if m.FailReplace != nil {
		return m.FailReplace
	}
	m.tables[spec.Name] = rows
	m.specs[spec.Name] = spec
	delete(m.indexes, spec.Name)
	return nil
}

func (m *Memory) DropTable(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	delete(m.tables, name)
	delete(m.specs, name)
	delete(m.indexes, name)
	return nil
}

func (m *Memory) CreateIndex(_ context.Context, table string, columns []storage.Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	if _, ok := m.tables[table]; !ok {
		return errors.New("no such table: " + table)
	}
	m.indexes[table] = columns
	return nil
}

func (m *Memory) SaveMethods(_ context.Context, methods []storage.Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	for _, method := range methods {
		if prev, ok := m.methods[method.Fingerprint]; ok {
			method.Compatible = storage.MergeCompatible(prev.Compatible, method.Compatible)
		}
		m.methods[method.Fingerprint] = method
	}
	return nil
}

func (m *Memory) UpdateDisplay(_ context.Context, hash, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	s, ok := m.samples[hash]
	if !ok {
		return storage.ErrSampleNotFound
	}
	switch field {
	case "sampleID":
		s.SampleID = value
	case "projectName":
		s.ProjectName = value
	case "colour":
		s.Colour = value
	}
	return nil
}

func (m *Memory) Settings(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Query(context.Context, string, ...any) ([][]any, error) {
	return nil, errors.New("memory backend does not run SQL")
}

func (m *Memory) Dialect() storage.Dialect { return memoryDialect{} }

func (m *Memory) Close() error { return nil }

// Table 返回表的全部行。
func (m *Memory) Table(name string) ([][]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[name]
	return rows, ok
}

// Spec 返回表结构。
func (m *Memory) Spec(name string) storage.TableSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.specs[name]
}

// Index 返回表上的索引列。
func (m *Memory) Index(name string) ([]storage.Column, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cols, ok := m.indexes[name]
	return cols, ok
}

// Method 返回指纹对应的登记记录。
func (m *Memory) Method(fingerprint string) (storage.Method, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	method, ok := m.methods[fingerprint]
	return method, ok
}

// Locks 返回 AcquireWriter 的调用次数。
func (m *Memory) Locks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks
}

type memoryDialect struct{}

func (memoryDialect) Name() string                                           { return "memory" }
func (memoryDialect) Quote(ident string) string                              { return `"` + ident + `"` }
func (memoryDialect) ColumnType(t plugin.SQLType) string                     { return string(t) }
func (d memoryDialect) IndexColumn(c storage.Column) string                  { return d.Quote(c.Name) }
func (memoryDialect) CreateIndexSQL(string, string, []storage.Column) string { return "" }
func (memoryDialect) IgnorableIndexError(error) bool                         { return false }
func (memoryDialect) LockClause() string                                     { return "" }
func (memoryDialect) CaseSensitiveLike() string                              { return "LIKE" }
