// Package data provides the price source boundary: historical daily bars
// loaded from local JSON files or Postgres.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fundsim/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

// ErrNoPrices marks a requested range with no data at all. Callers must be
// able to distinguish this from a zero price.
var ErrNoPrices = errors.New("no price data for requested range")

const fileSuffix = "_1d.json"

// Store serves daily bars from JSON files, one file per ticker, with an
// in-memory cache.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	cache   map[string][]types.Price
}

// NewStore creates a file-backed price store rooted at dataDir.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Store{
		logger:  logger,
		dataDir: dataDir,
		cache:   make(map[string][]types.Price),
	}, nil
}

// GetPrices returns the daily bars for a ticker within [start, end],
// inclusive and date-ordered. ErrNoPrices when the ticker has no data in the
// range.
func (s *Store) GetPrices(ctx context.Context, ticker string, start, end time.Time) ([]types.Price, error) {
	bars, err := s.load(ticker)
	if err != nil {
		return nil, err
	}

	var filtered []types.Price
	for _, bar := range bars {
		if bar.Date.Before(start) || bar.Date.After(end) {
			continue
		}
		filtered = append(filtered, bar)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%s %s to %s: %w",
			ticker, start.Format("2006-01-02"), end.Format("2006-01-02"), ErrNoPrices)
	}
	return filtered, nil
}

// SavePrices writes a ticker's full bar history to disk and refreshes the
// cache.
func (s *Store) SavePrices(ticker string, bars []types.Price) error {
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	payload, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bars: %w", err)
	}
	if err := os.WriteFile(s.filename(ticker), payload, 0644); err != nil {
		return fmt.Errorf("write bars: %w", err)
	}

	s.mu.Lock()
	s.cache[ticker] = bars
	s.mu.Unlock()
	return nil
}

// Tickers lists every ticker with a data file.
func (s *Store) Tickers() []string {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		s.logger.Warn("read data directory", zap.Error(err))
		return nil
	}

	var tickers []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		tickers = append(tickers, strings.TrimSuffix(name, fileSuffix))
	}
	sort.Strings(tickers)
	return tickers
}

// ClearCache drops the in-memory cache.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Price)
}

func (s *Store) load(ticker string) ([]types.Price, error) {
	s.mu.RLock()
	cached, ok := s.cache[ticker]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	payload, err := os.ReadFile(s.filename(ticker))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", ticker, ErrNoPrices)
		}
		return nil, fmt.Errorf("read bars for %s: %w", ticker, err)
	}

	var bars []types.Price
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("parse bars for %s: %w", ticker, err)
	}
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	s.mu.Lock()
	s.cache[ticker] = bars
	s.mu.Unlock()
	return bars, nil
}

func (s *Store) filename(ticker string) string {
	return filepath.Join(s.dataDir, ticker+fileSuffix)
}
