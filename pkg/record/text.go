package record

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
)

const samFields = 11

// textReader parses SAM text itself, one line per Read.
type textReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	header  string
	refs    []string
	pending string
	line    int
	eof     bool
}

func newTextReader(r io.Reader, closer io.Closer) (*textReader, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	t := &textReader{scanner: scanner, closer: closer}
	var header strings.Builder
	for scanner.Scan() {
		t.line++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "@") {
			t.pending = line
			break
		}
		header.WriteString(line)
		header.WriteByte('\n')
		if strings.HasPrefix(line, "@SQ") {
			for _, field := range strings.Split(line, "\t")[1:] {
				if strings.HasPrefix(field, "SN:") {
					t.refs = append(t.refs, field[3:])
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		closer.Close()
		return nil, xerrors.Wrap(xerrors.CodeDataError, err, "read SAM header")
	}
	if t.pending == "" {
		t.eof = true
	}
	t.header = header.String()
	return t, nil
}

func (t *textReader) Mode() Mode           { return ModeText }
func (t *textReader) Format() Format       { return FormatSAM }
func (t *textReader) Header() string       { return t.header }
func (t *textReader) References() []string { return t.refs }
func (t *textReader) Close() error         { return t.closer.Close() }

func (t *textReader) Read() (Record, error) {
	for {
		var line string
		switch {
		case t.pending != "":
			line, t.pending = t.pending, ""
		case t.eof:
			return nil, io.EOF
		case t.scanner.Scan():
			t.line++
			line = t.scanner.Text()
		default:
			t.eof = true
			if err := t.scanner.Err(); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeDataError, err, "read SAM record")
			}
			return nil, io.EOF
		}
		if line == "" {
			continue
		}
		return parseSAMLine(line, t.line)
	}
}

type textRecord struct {
	fields [samFields]string
	flag   uint16
}

func parseSAMLine(line string, lineNo int) (*textRecord, error) {
	rec := &textRecord{}
	rest := line
	for i := 0; i < samFields; i++ {
		if i == samFields-1 {
			if tab := strings.IndexByte(rest, '\t'); tab >= 0 {
				rest = rest[:tab]
			}
			rec.fields[i] = rest
			break
		}
		tab := strings.IndexByte(rest, '\t')
		if tab < 0 {
			return nil, xerrors.Newf(xerrors.CodeDataError, "line %d: expected %d tab-separated fields", lineNo, samFields)
		}
		rec.fields[i] = rest[:tab]
		rest = rest[tab+1:]
	}
	flag, err := strconv.ParseUint(rec.fields[1], 10, 16)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDataError, err, "line "+strconv.Itoa(lineNo)+": bad FLAG")
	}
	rec.flag = uint16(flag)
	return rec, nil
}

func (r *textRecord) QName() string { return r.fields[0] }
func (r *textRecord) Flag() uint16  { return r.flag }
func (r *textRecord) RName() string { return r.fields[2] }
func (r *textRecord) Pos() int      { return atoi(r.fields[3]) }
func (r *textRecord) MapQ() int     { return atoi(r.fields[4]) }
func (r *textRecord) Cigar() string { return r.fields[5] }
func (r *textRecord) PNext() int    { return atoi(r.fields[7]) }
func (r *textRecord) TLen() int     { return atoi(r.fields[8]) }
func (r *textRecord) Seq() string   { return r.fields[9] }
func (r *textRecord) Qual() string  { return r.fields[10] }

func (r *textRecord) RNext() string {
	if r.fields[6] == "=" {
		return r.fields[2]
	}
	return r.fields[6]
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
