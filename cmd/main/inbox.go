package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// doneSuffix marks an inbox file that has already been submitted.
const doneSuffix = ".done"

// ErrInboxNotDirectory indicates the configured inbox path is not a directory.
var ErrInboxNotDirectory = errors.New("corpus inbox is not a directory")

// TrainingSubmitter queues a training job for a piece of text.
type TrainingSubmitter interface {
	SubmitTraining(text string, blockSize, epochsPerBlock int) (string, error)
}

// Inbox watches a directory and submits every matching file dropped into it as
// a training job. Submitted files are renamed with a .done suffix.
type Inbox struct {
	cfg      InboxConfig
	submit   TrainingSubmitter
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	patterns []glob.Glob
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewInbox creates the inbox directory if needed and compiles the patterns.
func NewInbox(cfg InboxConfig, submit TrainingSubmitter, logger *slog.Logger) (*Inbox, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create corpus inbox: %w", err)
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrInboxNotDirectory
	}

	patterns := make([]glob.Glob, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid inbox pattern %q: %w", p, err)
		}
		patterns = append(patterns, g)
	}

	debounce := time.Duration(cfg.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = w.Add(cfg.Dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch corpus inbox: %w", err)
	}

	return &Inbox{
		cfg:      cfg,
		submit:   submit,
		logger:   logger,
		watcher:  w,
		patterns: patterns,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// matches reports whether the file at path should be submitted.
func (in *Inbox) matches(path string) bool {
	name := filepath.Base(path)
	if strings.HasSuffix(name, doneSuffix) || strings.HasPrefix(name, ".") {
		return false
	}
	if len(in.patterns) == 0 {
		return true
	}
	for _, g := range in.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Run submits files already waiting in the inbox, then processes events until
// ctx is cancelled. It closes the underlying watcher before returning.
func (in *Inbox) Run(ctx context.Context) {
	defer in.stop()

	entries, err := os.ReadDir(in.cfg.Dir)
	if err != nil {
		in.logger.Warn("Failed to scan corpus inbox", "dir", in.cfg.Dir, "error", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.schedule(filepath.Join(in.cfg.Dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				in.schedule(event.Name)
			}
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Warn("Corpus inbox watcher error", "error", err)
		}
	}
}

// schedule (re)starts the debounce timer for path, so a file still being
// written is only picked up once it has been quiet for the debounce interval.
func (in *Inbox) schedule(path string) {
	if !in.matches(path) {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		return
	}
	if t, ok := in.pending[path]; ok {
		if t.Stop() {
			in.wg.Done()
		}
	}
	in.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(in.debounce, func() {
		defer in.wg.Done()
		in.mu.Lock()
		current := in.pending[path] == t
		if current {
			delete(in.pending, path)
		}
		stopped := in.stopped
		in.mu.Unlock()
		if current && !stopped {
			in.process(path)
		}
	})
	in.pending[path] = t
}

// process submits the file and marks it done.
func (in *Inbox) process(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		in.logger.Warn("Failed to read inbox file", "path", path, "error", err)
		return
	}
	if strings.TrimSpace(string(data)) == "" {
		in.logger.Debug("Skipping empty inbox file", "path", path)
		return
	}

	id, err := in.submit.SubmitTraining(string(data), in.cfg.BlockSize, in.cfg.EpochsPerBlock)
	if err != nil {
		in.logger.Error("Failed to submit inbox file", "path", path, "error", err)
		return
	}
	if err = os.Rename(path, path+doneSuffix); err != nil {
		in.logger.Warn("Failed to mark inbox file done", "path", path, "error", err)
	}
	in.logger.Info("Submitted inbox file for training", "path", path, "job_id", id, slog.Int("bytes", len(data)))
}

// stop cancels pending timers, waits for in-flight submissions and closes the watcher.
func (in *Inbox) stop() {
	in.mu.Lock()
	in.stopped = true
	for path, t := range in.pending {
		if t.Stop() {
			in.wg.Done()
		}
		delete(in.pending, path)
	}
	in.mu.Unlock()
	in.wg.Wait()
	_ = in.watcher.Close()
}
