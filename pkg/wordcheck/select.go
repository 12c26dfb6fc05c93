package wordcheck

import (
	"log/slog"
)

// Backend kinds accepted in Config.Kind.
const (
	KindAuto       = "auto"
	KindDictionary = "dictionary"
	KindFrequency  = "frequency"
	KindAllowList  = "allowlist"
)

// Config selects and configures the validator backend.
type Config struct {
	Kind            string `json:"kind" yaml:"kind"`
	DictionaryPath  string `json:"dictionary_path" yaml:"dictionary_path"`
	FrequencyDBPath string `json:"frequency_db_path" yaml:"frequency_db_path"`
	MinScore        int64  `json:"min_score" yaml:"min_score"`
	CacheSize       int    `json:"cache_size" yaml:"cache_size"`
}

// Select builds the validator once at startup. The requested kind is tried
// first; on failure (or with KindAuto) the order is dictionary, frequency,
// then the built-in allow-list, which always succeeds.
func Select(cfg Config, logger *slog.Logger) *Gate {
	tryDictionary := func() Validator {
		if cfg.DictionaryPath == "" {
			return nil
		}
		d, err := LoadDictionary(cfg.DictionaryPath)
		if err != nil {
			logger.Warn("Dictionary validator unavailable", "path", cfg.DictionaryPath, "error", err)
			return nil
		}
		logger.Info("Using dictionary word validator", "path", cfg.DictionaryPath, slog.Int("words", d.Len()))
		return d
	}
	tryFrequency := func() Validator {
		if cfg.FrequencyDBPath == "" {
			return nil
		}
		f, err := OpenFrequency(cfg.FrequencyDBPath, cfg.MinScore, cfg.CacheSize)
		if err != nil {
			logger.Warn("Frequency validator unavailable", "path", cfg.FrequencyDBPath, "error", err)
			return nil
		}
		logger.Info("Using frequency word validator", "path", cfg.FrequencyDBPath, slog.Int64("min_score", cfg.MinScore))
		return f
	}

	type candidate struct {
		kind string
		try  func() Validator
	}
	order := []candidate{{KindDictionary, tryDictionary}, {KindFrequency, tryFrequency}}
	if cfg.Kind == KindFrequency {
		order[0], order[1] = order[1], order[0]
	}

	if cfg.Kind != KindAllowList {
		for _, c := range order {
			if v := c.try(); v != nil {
				return NewGate(v, c.kind)
			}
		}
	}
	logger.Info("Using built-in allow-list word validator")
	return NewGate(NewAllowList(), KindAllowList)
}
