// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records one entry per executed operation as a line of JSON.
// Exactly one record is written per execution attempt, whatever the
// outcome: success, validation failure, policy denial, or engine error.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// Execution outcome states.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error kinds recorded in the error field. The human-readable message
// rides in the reason field.
const (
	ErrorUnauthorized = "unauthorized"
	ErrorForbidden    = "forbidden"
	ErrorValidation   = "validation-error"
	ErrorPolicy       = "policy-error"
	ErrorExecution    = "execution-error"
	ErrorTimeout      = "timeout"
)

// Record is one audit entry. Input parameters are serialized by the caller
// with sensitive values already redacted.
type Record struct {
	Timestamp      time.Time       `json:"timestamp"`
	Transport      string          `json:"transport"`
	Type           string          `json:"type"`
	Name           string          `json:"name"`
	InputJSON      json.RawMessage `json:"input_json,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	PolicyDecision string          `json:"policy_decision"`
	Reason         string          `json:"reason,omitempty"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	TraceID        string          `json:"trace_id"`
}

// Sink receives completed records. Implementations decide durability.
type Sink interface {
	Write(rec *Record)
	Close() error
}

// NewTraceID returns the correlation id stamped on a record and its log
// lines.
func NewTraceID() string { return uuid.NewString() }

// NopSink discards every record. Used when auditing is disabled.
type NopSink struct{}

// Write implements Sink.
func (NopSink) Write(*Record) {}

// Close implements Sink.
func (NopSink) Close() error { return nil }

// FileSink appends NDJSON records to a file. In durable mode each Write
// encodes, appends, and fsyncs before returning; otherwise records pass
// through a buffered channel and a writer goroutine, and are dropped (and
// counted) when the buffer is full.
type FileSink struct {
	file    *os.File
	durable bool

	mu sync.Mutex

	ch      chan *Record
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
}

const bufferSize = 1024

// NewFileSink opens (or creates) the audit file in append mode.
func NewFileSink(path string, durable bool) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}

	s := &FileSink{file: file, durable: durable}
	if !durable {
		s.ch = make(chan *Record, bufferSize)
		s.done = make(chan struct{})
		go s.run()
	}
	return s, nil
}

// Write implements Sink.
func (s *FileSink) Write(rec *Record) {
	if s.durable {
		s.append(rec, true)
		return
	}
	select {
	case s.ch <- rec:
	default:
		n := s.dropped.Add(1)
		logger.Warnw("audit buffer full, record dropped",
			"name", rec.Name, "dropped_total", n)
	}
}

func (s *FileSink) run() {
	for rec := range s.ch {
		s.append(rec, false)
	}
	close(s.done)
}

func (s *FileSink) append(rec *Record, sync bool) {
	line, err := json.Marshal(rec)
	if err != nil {
		logger.Errorw("failed to encode audit record", "error", err, "name", rec.Name)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		logger.Errorw("failed to write audit record", "error", err)
		return
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			logger.Warnw("audit fsync failed", "error", err)
		}
	}
}

// Dropped reports how many records the best-effort mode discarded.
func (s *FileSink) Dropped() int64 { return s.dropped.Load() }

// Close flushes buffered records and closes the file.
func (s *FileSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.durable {
			close(s.ch)
			<-s.done
		}
		err = s.file.Close()
	})
	return err
}
