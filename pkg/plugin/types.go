package plugin

// SQLType is the storage type of a statistic or column.
type SQLType string

const (
	TypeText SQLType = "TEXT"
	TypeInt  SQLType = "INT"
	TypeReal SQLType = "REAL"
	TypeJSON SQLType = "JSON"
)

// Linkable reports whether values of this type can be grouped and counted.
func (t SQLType) Linkable() bool {
	switch t {
	case TypeText, TypeInt, TypeReal:
		return true
	default:
		return false
	}
}

// Kind classifies how a statistic's result is stored.
type Kind string

const (
	// KindLinked results are counted per group in a table with a counts column.
	KindLinked Kind = "linked"
	// KindDocument results are merged into the sample's JSON documents.
	KindDocument Kind = "document"
	// KindTable results are rows of an explicit schema stored as their own table.
	KindTable Kind = "table"
)

// Kind derives the storage kind from the descriptor.
func (d Descriptor) Kind() Kind {
	switch {
	case d.Linkable:
		return KindLinked
	case len(d.Columns) > 0:
		return KindTable
	default:
		return KindDocument
	}
}

// TypeLabel is what the methods table records as the statistic's type.
func (d Descriptor) TypeLabel() string {
	if d.Kind() == KindTable {
		return "TABLE"
	}
	return string(d.SQL)
}
