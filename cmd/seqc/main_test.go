package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnLonginotto/SeQC/internal/config"
	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/progress"
	"github.com/JohnLonginotto/SeQC/pkg/record/recordtest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvPath, "")
	var out bytes.Buffer
	root := newRootCmd(newApp())
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestAnalyseInProcessIsIncremental(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "seqc.db")
	sam := recordtest.WriteSAM(t, dir, "a.sam")

	out, err := execute(t, "--db", db, "analyse", "--inprocess", "-s", "gc", "-s", "tlen", sam)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ a.sam")
	assert.Contains(t, out, "completed 1")

	out, err = execute(t, "--db", db, "samples")
	require.NoError(t, err, out)
	assert.Contains(t, out, "a.sam")
	assert.Contains(t, out, "gc tlen")

	out, err = execute(t, "--db", db, "analyse", "--inprocess", "-s", "gc", sam)
	require.NoError(t, err, out)
	assert.Contains(t, out, "- a.sam")
	assert.Contains(t, out, "skipped 1")
}

func TestAnalyseReportsDataErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(bad, []byte("not an alignment\n"), 0o644))

	out, err := execute(t, "--db", filepath.Join(dir, "seqc.db"), "analyse", "--inprocess", "-s", "gc", bad)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeDataError, xerrors.CodeOf(err))
	assert.Contains(t, out, "? notes.txt")
	assert.Contains(t, out, "data_error 1")
	assert.Equal(t, 1, exitCode(err))
}

func TestAnalyseExplainAndArguments(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--db", filepath.Join(dir, "seqc.db"), "analyse", "--explain", "-s", "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "for rec := range records")
	assert.Contains(t, out, "// seq")
	assert.Contains(t, out, `counts["gc"]`)

	_, err = execute(t, "--db", filepath.Join(dir, "seqc.db"), "analyse")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, "--db", filepath.Join(dir, "seqc.db"), "analyse", "-s", "nosuch", "x.sam")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestWorkerStreamsEvents(t *testing.T) {
	dir := t.TempDir()
	sam := recordtest.WriteSAM(t, dir, "w.sam")
	out, err := execute(t, "--db", filepath.Join(dir, "seqc.db"), "worker", "-s", "gc", "--", sam)
	require.NoError(t, err)

	var last progress.Event
	var phases int
	require.NoError(t, progress.Decode(strings.NewReader(out), func(e progress.Event) {
		if e.Kind == progress.KindPhase {
			phases++
		}
		last = e
	}))
	assert.True(t, last.Terminal())
	assert.Equal(t, progress.OutcomeCompleted, last.Outcome)
	assert.Equal(t, []string{"gc"}, last.Groups)
	assert.GreaterOrEqual(t, phases, 4)
}

type closedPipe struct{}

func (closedPipe) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWorkerStopsWhenStatusPipeBreaks(t *testing.T) {
	t.Setenv(config.EnvPath, "")
	dir := t.TempDir()
	db := filepath.Join(dir, "seqc.db")
	sam := recordtest.WriteSAM(t, dir, "w.sam")

	root := newRootCmd(newApp())
	root.SetOut(closedPipe{})
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--log-level", "error", "--db", db, "worker", "-s", "gc", "--", sam})
	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeWorkerCrashed, xerrors.CodeOf(err))

	out, err := execute(t, "--db", db, "samples")
	require.NoError(t, err)
	assert.NotContains(t, out, "w.sam")
}

func TestStatsListsFingerprints(t *testing.T) {
	out, err := execute(t, "--db", filepath.Join(t.TempDir(), "seqc.db"), "stats", "--md5")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Regexp(t, regexp.MustCompile(`(?m)^gc\s+INT\s+true\s+\d+\s+seq\s+.*[0-9a-f]{32}$`), out)
	assert.Regexp(t, regexp.MustCompile(`(?m)^bins\s+TABLE\s+false`), out)
}
