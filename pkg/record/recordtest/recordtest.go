// Package recordtest builds small alignment files for tests.
package recordtest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
)

// Header declares two references, chr1 and chr2.
const Header = "@HD\tVN:1.6\tSO:unsorted\n" +
	"@SQ\tSN:chr1\tLN:5000000\n" +
	"@SQ\tSN:chr2\tLN:3000000\n"

// Records holds six reads: a proper pair on chr1, a single read on chr2, an unmapped read,
// a secondary alignment and a duplicate at 1.2 Mb on chr1.
var Records = []string{
	"r1\t99\tchr1\t100\t60\t8M\t=\t300\t208\tACGTACGT\tIIIIIIII",
	"r1\t147\tchr1\t300\t60\t8M\t=\t100\t-208\tGGCCGGCC\tIIIIIIII",
	"r2\t0\tchr2\t50\t30\t6M\t*\t0\t0\tAATTAA\tHHHHHH",
	"r3\t4\t*\t0\t0\t*\t*\t0\t0\tNNNNGC\t######",
	"r4\t256\tchr1\t1200000\t0\t4M\t*\t0\t0\tGCGC\t*",
	"r5\t1024\tchr1\t1200005\t20\t4M\t*\t0\t0\tATAT\tABCD",
}

// SAM returns the full text of a SAM file made of Header and the given records.
func SAM(records ...string) string {
	if len(records) == 0 {
		records = Records
	}
	return Header + strings.Join(records, "\n") + "\n"
}

// WriteSAM writes a SAM file into dir and returns its path.
func WriteSAM(t testing.TB, dir, name string, records ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(SAM(records...)), 0o644); err != nil {
		t.Fatalf("write sam: %v", err)
	}
	return path
}

// WriteBAM converts the SAM text of records into a BAM file and returns its path.
func WriteBAM(t testing.TB, dir, name string, records ...string) string {
	t.Helper()
	src := WriteSAM(t, dir, name+".sam", records...)
	in, err := os.Open(src)
	if err != nil {
		t.Fatalf("open sam: %v", err)
	}
	defer in.Close()
	sr, err := sam.NewReader(in)
	if err != nil {
		t.Fatalf("read sam: %v", err)
	}

	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create bam: %v", err)
	}
	defer out.Close()
	bw, err := bam.NewWriter(out, sr.Header(), 1)
	if err != nil {
		t.Fatalf("bam writer: %v", err)
	}
	for {
		rec, err := sr.Read()
		if err != nil {
			break
		}
		if err := bw.Write(rec); err != nil {
			t.Fatalf("write bam record: %v", err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close bam: %v", err)
	}
	return path
}
