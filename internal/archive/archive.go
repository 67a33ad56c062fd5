// Package archive writes a redundant local copy of generated content.
// It is a best-effort side channel: failures are logged and dropped,
// and the primary transactional path never waits on it.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Archiver saves documents under a local directory. A nil Archiver or
// an empty directory disables archiving entirely.
type Archiver struct {
	directory string
	logger    *zap.Logger
	nowFn     func() time.Time

	pending sync.WaitGroup
}

// New wires an Archiver. An empty directory returns nil, which every
// method tolerates.
func New(directory string, logger *zap.Logger) *Archiver {
	if directory == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		directory: directory,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// Save persists document as JSON in the background. It returns
// immediately; write failures are logged, never surfaced.
func (archiver *Archiver) Save(userID string, name string, document any) {
	if archiver == nil {
		return
	}
	archiver.pending.Add(1)
	go func() {
		defer archiver.pending.Done()
		if err := archiver.write(userID, name, document); err != nil {
			archiver.logger.Warn("archive write failed",
				zap.String("user_id", userID),
				zap.String("name", name),
				zap.Error(err))
		}
	}()
}

// Flush blocks until queued writes finish. Used on shutdown and in tests.
func (archiver *Archiver) Flush() {
	if archiver == nil {
		return
	}
	archiver.pending.Wait()
}

func (archiver *Archiver) write(userID string, name string, document any) error {
	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(archiver.directory, 0o755); err != nil {
		return err
	}
	fileName := fmt.Sprintf("%s_%s_%d.json", userID, name, archiver.nowFn().UTC().UnixNano())
	return os.WriteFile(filepath.Join(archiver.directory, fileName), encoded, 0o644)
}
