package record

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/biogo/hts/bam"
)

// EstimateSampleBytes is how much of a file Estimate reads before extrapolating.
const EstimateSampleBytes = 10 * 1000 * 1000

// Estimate guesses the number of records in path for progress reporting. Files smaller than
// twice the sample are counted exactly. BAM estimates add 10% and SAM estimates 5% so the
// bar errs on the long side.
func Estimate(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	format, err := Sniff(path)
	if err != nil {
		return 0, err
	}
	size := info.Size()
	exact := size < 2*EstimateSampleBytes

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	if format == FormatBAM {
		var src io.Reader = file
		if !exact {
			src = io.LimitReader(file, EstimateSampleBytes)
		}
		n := countBAM(src)
		if exact {
			return n, nil
		}
		return int64(float64(n) / EstimateSampleBytes * float64(size) * 1.1), nil
	}

	if exact {
		return countSAMLines(file)
	}
	return estimateSAM(file, size)
}

// countBAM counts decodable records; a truncated tail simply ends the count.
func countBAM(r io.Reader) int64 {
	br, err := bam.NewReader(r, 1)
	if err != nil {
		return 0
	}
	defer br.Close()
	var n int64
	for {
		if _, err := br.Read(); err != nil {
			return n
		}
		n++
	}
}

func countSAMLines(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	var n int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '@' {
			continue
		}
		n++
	}
	return n, scanner.Err()
}

// estimateSAM measures the bytes used by 10000 records after the header.
func estimateSAM(r io.Reader, size int64) (int64, error) {
	const sampleLines = 10000
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	var lines, used int64
	for scanner.Scan() && lines < sampleLines {
		line := scanner.Bytes()
		if bytes.HasPrefix(line, []byte("@")) {
			continue
		}
		used += int64(len(line)) + 1
		lines++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if used == 0 {
		return 0, nil
	}
	return int64(float64(size) / float64(used) * float64(lines) * 1.05), nil
}
