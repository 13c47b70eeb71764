// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(name, status string) *Record {
	return &Record{
		Timestamp:      time.Now().UTC(),
		Transport:      "http",
		Type:           "tool",
		Name:           name,
		InputJSON:      json.RawMessage(`{"price":100}`),
		DurationMS:     12,
		PolicyDecision: "allow",
		Status:         status,
		TraceID:        NewTraceID(),
	}
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestFileSinkDurable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.ndjson")

	sink, err := NewFileSink(path, true)
	require.NoError(t, err)

	sink.Write(record("calculate_discount", StatusSuccess))
	sink.Write(record("get_employee", StatusError))
	require.NoError(t, sink.Close())

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, "calculate_discount", recs[0].Name)
	assert.Equal(t, StatusError, recs[1].Status)
	assert.NotEmpty(t, recs[0].TraceID)
	assert.JSONEq(t, `{"price":100}`, string(recs[0].InputJSON))
}

func TestFileSinkBestEffortFlushesOnClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.ndjson")

	sink, err := NewFileSink(path, false)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		sink.Write(record("tool", StatusSuccess))
	}
	require.NoError(t, sink.Close())

	assert.Len(t, readRecords(t, path), 100)
	assert.Zero(t, sink.Dropped())
}

func TestFileSinkAppendsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.ndjson")

	sink, err := NewFileSink(path, true)
	require.NoError(t, err)
	sink.Write(record("a", StatusSuccess))
	require.NoError(t, sink.Close())

	sink, err = NewFileSink(path, true)
	require.NoError(t, err)
	sink.Write(record("b", StatusSuccess))
	require.NoError(t, sink.Close())

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Name)
	assert.Equal(t, "b", recs[1].Name)
}

func TestFileSinkPermissions(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.ndjson")

	sink, err := NewFileSink(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNopSink(t *testing.T) {
	t.Parallel()
	var s NopSink
	s.Write(record("x", StatusSuccess))
	assert.NoError(t, s.Close())
}
