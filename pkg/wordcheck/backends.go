package wordcheck

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dghubble/trie"
	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// commonWords backs the allow-list validator when nothing better is set up.
var commonWords = []string{
	"the", "and", "to", "of", "in", "a", "that", "is", "it", "for",
	"on", "with", "as", "at", "by", "an", "be", "this", "was", "are",
	"been", "have", "had", "were", "said", "each", "which", "she", "do",
	"how", "their", "if", "will", "up", "other", "about", "out", "many",
	"then", "them", "these", "so", "some", "her", "would", "make", "like",
	"him", "into", "time", "has", "look", "two", "more", "write", "go",
}

// AllowList accepts a fixed set of words.
type AllowList struct {
	words map[string]struct{}
}

// NewAllowList builds an allow-list from words. With no words it uses a
// built-in list of common English words.
func NewAllowList(words ...string) *AllowList {
	if len(words) == 0 {
		words = commonWords
	}
	a := &AllowList{words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		if n := Normalize(w); n != "" {
			a.words[n] = struct{}{}
		}
	}
	return a
}

// Check implements Validator.
func (a *AllowList) Check(word string) bool {
	_, ok := a.words[Normalize(word)]
	return ok
}

// Dictionary accepts words from a word list held in a rune trie.
type Dictionary struct {
	words *trie.RuneTrie
	size  int
}

// NewDictionary reads one word per line from r. Blank lines are ignored.
func NewDictionary(r io.Reader) (*Dictionary, error) {
	d := &Dictionary{words: trie.NewRuneTrie()}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		w := Normalize(sc.Text())
		if w == "" {
			continue
		}
		if d.words.Put(w, struct{}{}) {
			d.size++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read word list: %w", err)
	}
	if d.size == 0 {
		return nil, errors.New("word list is empty")
	}
	return d, nil
}

// LoadDictionary reads a word list file.
func LoadDictionary(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open word list: %w", err)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	return NewDictionary(f)
}

// Len returns the number of distinct words loaded.
func (d *Dictionary) Len() int {
	return d.size
}

// Check implements Validator.
func (d *Dictionary) Check(word string) bool {
	return d.words.Get(Normalize(word)) != nil
}

// OneGram is a row of a word frequency table: a word and how often it was
// seen in a reference corpus.
type OneGram struct {
	ID    int64
	Word  string `gorm:"not null;unique"`
	Score int64
}

// Frequency accepts words whose score in a one_grams table reaches a
// threshold. Lookups are cached.
type Frequency struct {
	db       *gorm.DB
	minScore int64
	cache    *lru.Cache[string, bool]
}

// OpenFrequency opens the SQLite word frequency database at path.
func OpenFrequency(path string, minScore int64, cacheSize int) (*Frequency, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("frequency database unavailable: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open frequency database: %w", err)
	}
	return NewFrequency(db, minScore, cacheSize)
}

// NewFrequency wraps an open gorm handle. The one_grams table must exist.
func NewFrequency(db *gorm.DB, minScore int64, cacheSize int) (*Frequency, error) {
	if !db.Migrator().HasTable(&OneGram{}) {
		return nil, errors.New("frequency database has no one_grams table")
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &Frequency{db: db, minScore: minScore, cache: cache}, nil
}

// Check implements Validator. Lookup errors count as invalid and are not
// cached.
func (f *Frequency) Check(word string) bool {
	w := Normalize(word)
	if ok, hit := f.cache.Get(w); hit {
		return ok
	}
	var n int64
	err := f.db.Model(&OneGram{}).Where("word = ? AND score >= ?", w, f.minScore).Count(&n).Error
	if err != nil {
		return false
	}
	f.cache.Add(w, n > 0)
	return n > 0
}

// Close closes the underlying database.
func (f *Frequency) Close() error {
	sqlDB, err := f.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
