// Package vsl implements the per-session request log.
//
// Records are appended to a per-worker buffer and flushed in one batch, so
// the records of a single request stay contiguous in the output even with
// many workers running.
package vsl

import (
	"fmt"
	"log/slog"
	"sync"
)

// Tag classifies a log record.
type Tag string

const (
	TagReqStart  Tag = "ReqStart"
	TagReqEnd    Tag = "ReqEnd"
	TagHit       Tag = "Hit"
	TagHitPass   Tag = "HitPass"
	TagLength    Tag = "Length"
	TagTTL       Tag = "TTL"
	TagBackend   Tag = "Backend"
	TagError     Tag = "Error"
	TagSessClose Tag = "SessClose"
	TagDebug     Tag = "Debug"
)

// Record is one request-log entry.
type Record struct {
	Tag  Tag
	Sess string // session correlation id
	XID  uint64
	Msg  string
}

// Sink receives flushed record batches.
type Sink interface {
	Write(recs []Record)
}

// SlogSink writes records through log/slog.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Write(recs []Record) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range recs {
		logger.Info(r.Msg, "tag", string(r.Tag), "sess", r.Sess, "xid", r.XID)
	}
}

// Log is the shared request log. Workers append through their own Buffer.
type Log struct {
	mu   sync.Mutex
	sink Sink
}

func New(sink Sink) *Log {
	if sink == nil {
		sink = &SlogSink{}
	}
	return &Log{sink: sink}
}

// Buffer is a per-worker record buffer. Not safe for concurrent use; each
// worker owns exactly one.
type Buffer struct {
	log  *Log
	recs []Record
}

func (l *Log) NewBuffer() *Buffer {
	return &Buffer{log: l, recs: make([]Record, 0, 32)}
}

// Add appends a formatted record to the buffer.
func (b *Buffer) Add(tag Tag, sess string, xid uint64, format string, args ...any) {
	b.recs = append(b.recs, Record{
		Tag:  tag,
		Sess: sess,
		XID:  xid,
		Msg:  fmt.Sprintf(format, args...),
	})
}

// Flush hands the buffered records to the sink in one batch.
func (b *Buffer) Flush() {
	if len(b.recs) == 0 {
		return
	}
	b.log.mu.Lock()
	b.log.sink.Write(b.recs)
	b.log.mu.Unlock()
	b.recs = b.recs[:0]
}

// Len reports the number of unflushed records.
func (b *Buffer) Len() int { return len(b.recs) }
