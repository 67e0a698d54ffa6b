// Package main provides a command-line runner for one-off backtests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fundsim/backtest-backend/internal/agent"
	"github.com/fundsim/backtest-backend/internal/backtester"
	"github.com/fundsim/backtest-backend/internal/config"
	"github.com/fundsim/backtest-backend/internal/data"
	"github.com/fundsim/backtest-backend/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	tickers := flag.String("tickers", "", "Comma-separated tickers (required)")
	startStr := flag.String("start", "", "Start date YYYY-MM-DD (required)")
	endStr := flag.String("end", "", "End date YYYY-MM-DD (required)")
	capitalStr := flag.String("capital", "100000", "Initial capital")
	lookback := flag.Int("lookback", types.DefaultLookbackDays, "Agent lookback window in days")
	dataDir := flag.String("data", "", "Price data directory (overrides config)")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("config error: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if *tickers == "" || *startStr == "" || *endStr == "" {
		flag.Usage()
		os.Exit(2)
	}

	start, err := time.Parse("2006-01-02", *startStr)
	if err != nil {
		fatalf("invalid start date %q: %v", *startStr, err)
	}
	end, err := time.Parse("2006-01-02", *endStr)
	if err != nil {
		fatalf("invalid end date %q: %v", *endStr, err)
	}
	capital, err := decimal.NewFromString(*capitalStr)
	if err != nil {
		fatalf("invalid capital %q: %v", *capitalStr, err)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := data.NewStore(logger.Named("store"), cfg.DataDir)
	if err != nil {
		fatalf("data store: %v", err)
	}

	var prices backtester.PriceSource = store
	if cfg.DatabaseURL != "" {
		repo, err := data.NewPostgresRepository(ctx, logger.Named("postgres"), cfg.DatabaseURL)
		if err != nil {
			fatalf("database: %v", err)
		}
		defer repo.Close()
		prices = repo
	}

	var decider agent.Agent
	if cfg.OpenAIAPIKey != "" {
		decider = agent.NewLLMAgent(logger.Named("llm"), cfg.OpenAIAPIKey)
	} else {
		decider = agent.NewMomentumAgent(logger.Named("momentum"), prices, decimal.Zero)
	}

	runConfig := &types.BacktestConfig{
		Tickers:        splitTickers(*tickers),
		StartDate:      start,
		EndDate:        end,
		InitialCapital: capital,
		LookbackDays:   *lookback,
		Model:          cfg.Model,
	}

	engine := backtester.NewEngine(logger.Named("engine"), prices, decider)

	// Cancel the run on Ctrl-C instead of killing the process mid-day.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		engine.Cancel()
	}()

	days := backtester.TradingDays(start, end)
	bar := progressbar.NewOptions(len(days),
		progressbar.OptionSetDescription("simulating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	go func() {
		for progress := range engine.ProgressChan() {
			bar.Set(progress.DaysSimulated + progress.DaysSkipped)
		}
	}()

	result, err := engine.Run(ctx, runConfig)
	bar.Finish()
	if err != nil {
		fatalf("backtest: %v", err)
	}

	printSummary(result)
}

func printSummary(r *types.BacktestResult) {
	m := r.Metrics

	fmt.Printf("\nBacktest %s\n", r.ID)
	fmt.Printf("  period:          %s to %s\n",
		r.Config.StartDate.Format("2006-01-02"), r.Config.EndDate.Format("2006-01-02"))
	fmt.Printf("  tickers:         %s\n", strings.Join(r.Config.Tickers, ", "))
	fmt.Printf("  days simulated:  %d (skipped %d)\n", r.DaysSimulated, r.DaysSkipped)
	fmt.Printf("  initial capital: %s\n", r.Config.InitialCapital.StringFixed(2))
	fmt.Printf("  final value:     %s\n", r.FinalValue.StringFixed(2))
	fmt.Printf("  realized gains:  %s\n", r.TotalRealizedGains.StringFixed(2))
	fmt.Println()
	fmt.Printf("  total return:    %.2f%%\n", m.TotalReturn*100)
	fmt.Printf("  sharpe ratio:    %.4f\n", m.SharpeRatio)
	fmt.Printf("  sortino ratio:   %.4f\n", m.SortinoRatio)
	fmt.Printf("  max drawdown:    %.2f%% on %s\n", m.MaxDrawdown, m.MaxDrawdownDate.Format("2006-01-02"))
	fmt.Printf("  win rate:        %.2f%%\n", m.WinRate*100)
	fmt.Printf("  win/loss ratio:  %.4f\n", m.AvgWinLossRatio)
	fmt.Printf("  streaks:         %d wins / %d losses\n", m.MaxConsecutiveWins, m.MaxConsecutiveLosses)
	fmt.Printf("  duration:        %s\n", r.Duration.Round(time.Millisecond))
}

func splitTickers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(strings.ToUpper(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.WarnLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.Encoding = "console"
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
