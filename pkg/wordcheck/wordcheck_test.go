package wordcheck

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWordList(t *testing.T, words ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(words, "\n")+"\n"), 0o644))
	return path
}

func frequencyDB(t *testing.T, rows ...OneGram) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "freq.sqlite")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&OneGram{}))
	if len(rows) > 0 {
		require.NoError(t, db.Create(&rows).Error)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	return path
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"Hello":    "hello",
		"DON'T":    "don't",
		"fox,":     "fox",
		"123":      "",
		"(quick)!": "quick",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestGateShortWordsAndEmpty(t *testing.T) {
	// The backend accepts xx and zz; the short-word rule still rejects them.
	g := NewGate(NewAllowList("xx", "zz", "qu"), "test")
	tests := []struct {
		word string
		want bool
	}{
		{"", false},
		{"!!", false},
		{"A", true},
		{"of", true},
		{"BY", true},
		{"xx", false},
		{"zz", false},
		{"q", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Check(tt.word), "%q", tt.word)
	}
}

func TestAllowListDefaults(t *testing.T) {
	g := NewGate(NewAllowList(), KindAllowList)
	assert.True(t, g.Check("THE"))
	assert.True(t, g.Check("which"))
	assert.False(t, g.Check("XQZT"))
}

func TestDictionary(t *testing.T) {
	d, err := LoadDictionary(writeWordList(t, "Quick", "brown", "", "fox", "don't"))
	require.NoError(t, err)
	assert.Equal(t, 4, d.Len())

	g := NewGate(d, KindDictionary)
	assert.True(t, g.Check("QUICK"))
	assert.True(t, g.Check("fox."))
	assert.True(t, g.Check("DON'T"))
	assert.False(t, g.Check("quic"), "prefixes are not words")
	assert.False(t, g.Check("jumps"))

	_, err = NewDictionary(strings.NewReader("\n\n"))
	assert.Error(t, err)
	_, err = LoadDictionary(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestFrequency(t *testing.T) {
	path := frequencyDB(t,
		OneGram{Word: "quick", Score: 500},
		OneGram{Word: "zyzzyva", Score: 2},
	)
	f, err := OpenFrequency(path, 10, 16)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	g := NewGate(f, KindFrequency)
	assert.True(t, g.Check("Quick"))
	assert.False(t, g.Check("zyzzyva"), "below the score threshold")
	assert.False(t, g.Check("blorb"))
	// Cached answers match.
	assert.True(t, g.Check("QUICK"))
	assert.Equal(t, 3, f.cache.Len())
}

func TestFrequencyRequiresTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sqlite")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	_, err = NewFrequency(db, 0, 0)
	assert.Error(t, err)

	_, err = OpenFrequency(filepath.Join(t.TempDir(), "nope.sqlite"), 0, 0)
	assert.Error(t, err)
}

func TestSelectFallbackOrder(t *testing.T) {
	dict := writeWordList(t, "quick")
	freq := frequencyDB(t, OneGram{Word: "brown", Score: 100})
	missing := filepath.Join(t.TempDir(), "missing")

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"auto prefers dictionary", Config{Kind: KindAuto, DictionaryPath: dict, FrequencyDBPath: freq}, KindDictionary},
		{"auto falls back to frequency", Config{DictionaryPath: missing, FrequencyDBPath: freq}, KindFrequency},
		{"frequency requested", Config{Kind: KindFrequency, DictionaryPath: dict, FrequencyDBPath: freq}, KindFrequency},
		{"nothing configured", Config{}, KindAllowList},
		{"everything broken", Config{DictionaryPath: missing, FrequencyDBPath: missing}, KindAllowList},
		{"allow-list forced", Config{Kind: KindAllowList, DictionaryPath: dict}, KindAllowList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Select(tt.cfg, discard())
			defer func() { _ = g.Close() }()
			assert.Equal(t, tt.want, g.Kind())
		})
	}
}

func TestCountValid(t *testing.T) {
	g := NewGate(NewAllowList("quick", "brown"), "test")
	valid, total := CountValid(g, "  THE QUICK  BROWN XQ ZZZZ ")
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, valid)

	valid, total = CountValid(g, "   ")
	assert.Zero(t, valid)
	assert.Zero(t, total)
}
