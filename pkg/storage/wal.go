package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

// FileWAL appends every emitted record to a file as one JSON line. It is an events.Sink.
type FileWAL struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	log *zap.Logger
}

func NewFileWAL(path string, logger *zap.Logger) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	return &FileWAL{f: f, enc: json.NewEncoder(f), log: util.OrNop(logger)}, nil
}

func (w *FileWAL) Emit(records []events.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range records {
		if err := w.enc.Encode(r); err != nil {
			w.log.Error("wal write failed", zap.Error(err))
			return
		}
	}
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ events.Sink = (*FileWAL)(nil)
