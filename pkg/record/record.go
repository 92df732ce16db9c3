// Package record exposes alignment records (SAM/BAM) one at a time through a small
// accessor interface. Two concrete readers exist: a raw-text SAM reader and a native reader
// backed by biogo/hts. Statistics must only rely on the accessors below, which behave the
// same in both modes.
package record

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
)

// Record is one alignment line.
type Record interface {
	QName() string
	Flag() uint16
	// RName is the reference name, "*" when unmapped.
	RName() string
	// Pos is the 1-based leftmost position, 0 when unavailable.
	Pos() int
	MapQ() int
	Cigar() string
	// RNext is the mate reference name with "=" already resolved.
	RNext() string
	PNext() int
	TLen() int
	// Seq is the read sequence, "*" when absent.
	Seq() string
	// Qual is the phred+33 quality string, "*" when absent.
	Qual() string
}

// Mode selects the concrete reader.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeText   Mode = "text"
	ModeNative Mode = "native"
)

// ParseMode validates a mode name; the empty string means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeText:
		return ModeText, nil
	case ModeNative:
		return ModeNative, nil
	default:
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "unknown reader mode %q (want auto, text or native)", s)
	}
}

// Format is the detected container format.
type Format string

const (
	FormatSAM Format = "sam"
	FormatBAM Format = "bam"
)

// Reader yields records sequentially. Read returns io.EOF after the last record.
type Reader interface {
	Mode() Mode
	Format() Format
	Header() string
	References() []string
	Read() (Record, error)
	Close() error
}

// Open detects the format of path and returns a reader for the requested mode. ModeAuto
// picks the text reader for SAM and the native reader for BAM.
func Open(path string, mode Mode) (Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	buffered := bufio.NewReaderSize(file, 1<<20)
	format, err := sniff(buffered)
	if err != nil {
		file.Close()
		return nil, err
	}

	switch {
	case mode == ModeText && format == FormatBAM:
		file.Close()
		return nil, xerrors.New(xerrors.CodeDataError, "text reader cannot decode BAM input, use the native reader")
	case mode == ModeText || (mode == ModeAuto && format == FormatSAM):
		return newTextReader(buffered, file)
	default:
		return newNativeReader(buffered, file, format)
	}
}

// Sniff reports the format of the file at path without consuming it.
func Sniff(path string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	return sniff(bufio.NewReader(file))
}

func sniff(r *bufio.Reader) (Format, error) {
	head, err := r.Peek(2)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read file head: %w", err)
	}
	if len(head) == 0 {
		return "", xerrors.New(xerrors.CodeDataError, "file is empty")
	}
	if len(head) == 2 && head[0] == 0x1f && head[1] == 0x8b {
		return FormatBAM, nil
	}

	line, err := r.Peek(r.Size())
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", fmt.Errorf("read file head: %w", err)
	}
	if bytes.IndexByte(line, 0) >= 0 {
		return "", xerrors.New(xerrors.CodeDataError, "file contains binary data but is not BAM")
	}
	if nl := bytes.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	if bytes.HasPrefix(line, []byte("@")) || bytes.Count(line, []byte("\t")) >= 10 {
		return FormatSAM, nil
	}
	return "", xerrors.New(xerrors.CodeDataError, "file is neither SAM nor BAM")
}

// Flag bits as defined by the SAM specification.
const (
	FlagPaired        uint16 = 0x1
	FlagProperPair    uint16 = 0x2
	FlagUnmapped      uint16 = 0x4
	FlagMateUnmapped  uint16 = 0x8
	FlagReverse       uint16 = 0x10
	FlagMateReverse   uint16 = 0x20
	FlagRead1         uint16 = 0x40
	FlagRead2         uint16 = 0x80
	FlagSecondary     uint16 = 0x100
	FlagQCFail        uint16 = 0x200
	FlagDuplicate     uint16 = 0x400
	FlagSupplementary uint16 = 0x800
)

// FlagLetters renders the 12 flag bits as letters A-L, upper case when the bit is set.
// Bit 0 is A. The fixed layout lets "flag LIKE '%Bc%'" style filters select bit runs.
func FlagLetters(flag uint16) string {
	var b [12]byte
	for i := 0; i < 12; i++ {
		if flag&(1<<i) != 0 {
			b[i] = 'A' + byte(i)
		} else {
			b[i] = 'a' + byte(i)
		}
	}
	return string(b[:])
}
