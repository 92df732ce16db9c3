package plugin

import (
	"fmt"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

// Descriptor is the registration record of one statistic.
type Descriptor struct {
	// Name identifies the statistic. It becomes a column name and part of table names.
	Name string `validate:"required,max=10,alphanum"`
	// Explanation and Example form the human-readable description pair.
	Explanation string `validate:"required,max=60,excludes=%"`
	Example     string `validate:"required,max=30,excludes=%"`
	// SQL is the storage type. Linkable statistics use TEXT, INT or REAL; unlinkable ones
	// use JSON or leave SQL empty and declare Columns instead.
	SQL     SQLType  `validate:"omitempty,oneof=TEXT INT REAL JSON"`
	Columns []Column `validate:"dive"`
	// Linkable statistics produce one value per record and can be grouped together.
	Linkable bool
	// Dependencies must run before this statistic within the same record.
	Dependencies []string `validate:"dive,required"`
	// Index lists Columns to index once the table is written.
	Index []string `validate:"dive,required"`
	// Viz names up to two front-end visualisations.
	Viz []string `validate:"max=2,dive,required"`
	// Compatible lists fingerprints of earlier versions producing identical data.
	Compatible []string `validate:"dive,len=32,hexadecimal"`
	// Source is the text of the processing logic. Its MD5 is the fingerprint.
	Source string `validate:"required"`
	// New builds the per-file instance for the reader described by env.
	New func(env Env) (*Instance, error) `validate:"required"`
}

// Column is one column of an explicit unlinkable schema.
type Column struct {
	Name string  `validate:"required,max=64,alphanum"`
	Type SQLType `validate:"required,oneof=TEXT INT REAL"`
}

// Instance is a statistic prepared for one file.
type Instance struct {
	// Before runs once before the first record.
	Before func() error
	// Compute runs once per record and stores this statistic's value in values[env.Self()].
	// Dependencies have already stored theirs. Values of linkable statistics are used as
	// count keys and must be comparable; []byte is counted as a string.
	Compute func(rec record.Record, values Values)
	// After runs once per group that contains the statistic, after the last record, with
	// the accumulated table and the name of this statistic's column.
	After func(table *Table, column string) error
}

// Values is the per-record scratch space shared by all statistics of a composed routine.
type Values []any

// RowSource may be stored by explicit-schema statistics instead of a [][]any.
type RowSource interface {
	Rows() [][]any
}

// Table is the accumulated result of one group: a column per statistic plus "counts".
type Table struct {
	Columns []string
	Rows    [][]any
}

// ColumnIndex returns the position of column, or -1.
func (t *Table) ColumnIndex(column string) int {
	for i, c := range t.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Map replaces every value of column with fn(value).
func (t *Table) Map(column string, fn func(any) any) error {
	idx := t.ColumnIndex(column)
	if idx < 0 {
		return fmt.Errorf("table has no column %q", column)
	}
	for _, row := range t.Rows {
		row[idx] = fn(row[idx])
	}
	return nil
}

// Env is what a statistic may know when it is constructed: the active reader mode, the
// file's references and where values live in Values.
type Env struct {
	Mode       record.Mode
	References []string

	self  int
	slots map[string]int
}

// NewEnv is used by the composer; statistics receive a ready Env.
func NewEnv(mode record.Mode, refs []string, self int, slots map[string]int) Env {
	return Env{Mode: mode, References: refs, self: self, slots: slots}
}

// Self is the index this statistic writes to.
func (e Env) Self() int { return e.self }

// Slot is the index holding the value of a dependency.
func (e Env) Slot(name string) (int, error) {
	idx, ok := e.slots[name]
	if !ok {
		return 0, xerrors.Newf(xerrors.CodeConfiguration, "statistic %q is not part of this routine, add it to Dependencies", name)
	}
	return idx, nil
}

// Source pairs a descriptor with where it came from, for diagnostics.
type Source struct {
	Origin     string
	Descriptor Descriptor
}
