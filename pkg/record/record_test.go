package record_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/pkg/record"
	"github.com/JohnLonginotto/SeQC/pkg/record/recordtest"
)

type fields struct {
	QName, RName, Cigar, RNext, Seq, Qual string
	Flag                                  uint16
	Pos, MapQ, PNext, TLen                int
}

func readAll(t *testing.T, path string, mode record.Mode) ([]fields, record.Reader) {
	t.Helper()
	r, err := record.Open(path, mode)
	require.NoError(t, err)
	defer r.Close()

	var out []fields
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, fields{
			QName: rec.QName(), RName: rec.RName(), Cigar: rec.Cigar(), RNext: rec.RNext(),
			Seq: rec.Seq(), Qual: rec.Qual(), Flag: rec.Flag(), Pos: rec.Pos(),
			MapQ: rec.MapQ(), PNext: rec.PNext(), TLen: rec.TLen(),
		})
	}
	return out, r
}

func TestTextReaderFields(t *testing.T) {
	path := recordtest.WriteSAM(t, t.TempDir(), "a.sam")
	got, r := readAll(t, path, record.ModeAuto)

	assert.Equal(t, record.ModeText, r.Mode())
	assert.Equal(t, []string{"chr1", "chr2"}, r.References())
	assert.Contains(t, r.Header(), "@SQ\tSN:chr2")
	require.Len(t, got, len(recordtest.Records))

	assert.Equal(t, fields{
		QName: "r1", RName: "chr1", Cigar: "8M", RNext: "chr1", Seq: "ACGTACGT", Qual: "IIIIIIII",
		Flag: 99, Pos: 100, MapQ: 60, PNext: 300, TLen: 208,
	}, got[0])
	assert.Equal(t, "*", got[3].RName)
	assert.Equal(t, 0, got[3].Pos)
	assert.Equal(t, "*", got[4].Qual)
}

func TestNativeReaderMatchesTextReader(t *testing.T) {
	dir := t.TempDir()
	samPath := recordtest.WriteSAM(t, dir, "a.sam")
	text, _ := readAll(t, samPath, record.ModeText)

	native, r := readAll(t, samPath, record.ModeNative)
	assert.Equal(t, record.ModeNative, r.Mode())
	assert.Equal(t, text, native)

	bamPath := recordtest.WriteBAM(t, dir, "a.bam")
	fromBAM, br := readAll(t, bamPath, record.ModeAuto)
	assert.Equal(t, record.FormatBAM, br.Format())
	assert.Equal(t, []string{"chr1", "chr2"}, br.References())
	assert.Equal(t, text, fromBAM)
}

func TestBlankLineAfterHeaderIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gap.sam")
	text := recordtest.Header + "\n" + strings.Join(recordtest.Records, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	got, r := readAll(t, path, record.ModeText)
	require.Len(t, got, len(recordtest.Records))
	assert.Equal(t, "r1", got[0].QName)
	assert.Equal(t, []string{"chr1", "chr2"}, r.References())
}

func TestOpenRejectsUnknownInput(t *testing.T) {
	dir := t.TempDir()

	junk := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(junk, []byte("hello world\n"), 0o644))
	_, err := record.Open(junk, record.ModeAuto)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeDataError, xerrors.CodeOf(err))

	empty := filepath.Join(dir, "empty.sam")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = record.Open(empty, record.ModeAuto)
	assert.Equal(t, xerrors.CodeDataError, xerrors.CodeOf(err))

	bamPath := recordtest.WriteBAM(t, dir, "a.bam")
	_, err = record.Open(bamPath, record.ModeText)
	assert.Equal(t, xerrors.CodeDataError, xerrors.CodeOf(err))
}

func TestMalformedLineIsDataError(t *testing.T) {
	path := recordtest.WriteSAM(t, t.TempDir(), "bad.sam", "r1\t99\tchr1")
	r, err := record.Open(path, record.ModeText)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Read()
	assert.Equal(t, xerrors.CodeDataError, xerrors.CodeOf(err))
}

func TestEstimateCountsSmallFilesExactly(t *testing.T) {
	dir := t.TempDir()
	n, err := record.Estimate(recordtest.WriteSAM(t, dir, "a.sam"))
	require.NoError(t, err)
	assert.EqualValues(t, len(recordtest.Records), n)

	n, err = record.Estimate(recordtest.WriteBAM(t, dir, "a.bam"))
	require.NoError(t, err)
	assert.EqualValues(t, len(recordtest.Records), n)
}

func TestFlagLettersAndParseMode(t *testing.T) {
	assert.Equal(t, "ABcdeFGhijkl", record.FlagLetters(99))
	assert.Equal(t, "abcdefghijkl", record.FlagLetters(0))
	assert.Equal(t, "abcdefghijKl", record.FlagLetters(record.FlagDuplicate))

	mode, err := record.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, record.ModeAuto, mode)
	_, err = record.ParseMode("pysam")
	assert.Error(t, err)
}
