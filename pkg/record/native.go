package record

import (
	"io"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
)

type samSource interface {
	Read() (*sam.Record, error)
}

// nativeReader wraps the biogo/hts readers for both SAM and BAM input.
type nativeReader struct {
	format Format
	source samSource
	closer func() error
	header string
	refs   []string
}

func newNativeReader(r io.Reader, file io.Closer, format Format) (*nativeReader, error) {
	n := &nativeReader{format: format}
	var header *sam.Header
	switch format {
	case FormatBAM:
		br, err := bam.NewReader(r, 1)
		if err != nil {
			file.Close()
			return nil, xerrors.Wrap(xerrors.CodeDataError, err, "open BAM stream")
		}
		header = br.Header()
		n.source = br
		n.closer = func() error {
			err := br.Close()
			if cerr := file.Close(); err == nil {
				err = cerr
			}
			return err
		}
	default:
		sr, err := sam.NewReader(r)
		if err != nil {
			file.Close()
			return nil, xerrors.Wrap(xerrors.CodeDataError, err, "open SAM stream")
		}
		header = sr.Header()
		n.source = sr
		n.closer = file.Close
	}

	if header != nil {
		text, err := header.MarshalText()
		if err == nil {
			n.header = string(text)
		}
		for _, ref := range header.Refs() {
			n.refs = append(n.refs, ref.Name())
		}
	}
	return n, nil
}

func (n *nativeReader) Mode() Mode           { return ModeNative }
func (n *nativeReader) Format() Format       { return n.format }
func (n *nativeReader) Header() string       { return n.header }
func (n *nativeReader) References() []string { return n.refs }
func (n *nativeReader) Close() error         { return n.closer() }

func (n *nativeReader) Read() (Record, error) {
	rec, err := n.source.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDataError, err, "decode record")
	}
	return nativeRecord{rec: rec}, nil
}

// nativeRecord adapts sam.Record to the text conventions: 1-based positions, "*" for
// missing values and phred+33 qualities.
type nativeRecord struct {
	rec *sam.Record
}

func (r nativeRecord) QName() string { return r.rec.Name }
func (r nativeRecord) Flag() uint16  { return uint16(r.rec.Flags) }
func (r nativeRecord) Pos() int      { return r.rec.Pos + 1 }
func (r nativeRecord) MapQ() int     { return int(r.rec.MapQ) }
func (r nativeRecord) PNext() int    { return r.rec.MatePos + 1 }
func (r nativeRecord) TLen() int     { return r.rec.TempLen }

func (r nativeRecord) RName() string { return refName(r.rec.Ref) }
func (r nativeRecord) RNext() string { return refName(r.rec.MateRef) }

func (r nativeRecord) Cigar() string {
	if len(r.rec.Cigar) == 0 {
		return "*"
	}
	return r.rec.Cigar.String()
}

func (r nativeRecord) Seq() string {
	if r.rec.Seq.Length == 0 {
		return "*"
	}
	return string(r.rec.Seq.Expand())
}

func (r nativeRecord) Qual() string {
	qual := r.rec.Qual
	if len(qual) == 0 || qual[0] == 0xff {
		return "*"
	}
	out := make([]byte, len(qual))
	for i, q := range qual {
		out[i] = q + 33
	}
	return string(out)
}

func refName(ref *sam.Reference) string {
	if ref == nil {
		return "*"
	}
	return ref.Name()
}
