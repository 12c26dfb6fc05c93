package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	texts []string
	fail  bool
}

func (f *fakeSubmitter) SubmitTraining(text string, blockSize, epochsPerBlock int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("queue full")
	}
	f.texts = append(f.texts, text)
	return "job", nil
}

func (f *fakeSubmitter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func startInbox(t *testing.T, dir string, sub TrainingSubmitter) {
	t.Helper()
	in, err := NewInbox(InboxConfig{Dir: dir, Patterns: []string{"*.txt"}, DebounceMs: 20}, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		in.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestInboxSubmitsDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	startInbox(t, dir, sub)

	path := filepath.Join(dir, "book.txt")
	require.NoError(t, os.WriteFile(path, []byte("THE QUICK BROWN FOX"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("ignored"), 0644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path + doneSuffix)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"THE QUICK BROWN FOX"}, sub.submitted())
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, "notes.md"))
}

func TestInboxPicksUpWaitingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("HELLO"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt.done"), []byte("OLD"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), []byte("  \n"), 0644))

	sub := &fakeSubmitter{}
	startInbox(t, dir, sub)

	require.Eventually(t, func() bool {
		return len(sub.submitted()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"HELLO"}, sub.submitted())
	assert.FileExists(t, filepath.Join(dir, "a.txt.done"))
	assert.FileExists(t, filepath.Join(dir, "empty.txt"))
}

func TestInboxKeepsFileWhenSubmitFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("HELLO"), 0644))

	sub := &fakeSubmitter{fail: true}
	startInbox(t, dir, sub)

	time.Sleep(200 * time.Millisecond)
	assert.FileExists(t, path)
	assert.NoFileExists(t, path+doneSuffix)
}

func TestInboxMatches(t *testing.T) {
	in := &Inbox{}
	assert.True(t, in.matches("/x/anything"))
	assert.False(t, in.matches("/x/a.txt.done"))
	assert.False(t, in.matches("/x/.hidden"))

	_, err := NewInbox(InboxConfig{Dir: t.TempDir(), Patterns: []string{"[unclosed"}}, &fakeSubmitter{}, slog.Default())
	assert.Error(t, err)
}
