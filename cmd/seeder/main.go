package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/logging"
	"github.com/punchamoorthee/payrecon/internal/service"
	"github.com/punchamoorthee/payrecon/internal/store"
)

var (
	total      int
	amount     int64
	expiration time.Duration
	driver     string
	badgerPath string
	dbSource   string
	outFile    string
)

func init() {
	flag.IntVar(&total, "n", 1000, "Number of payment codes to issue")
	flag.Int64Var(&amount, "amount", 50000, "Requested amount per code (VND)")
	flag.DurationVar(&expiration, "expiration", 10*time.Minute, "Remaining lifetime of every seeded code")
	flag.StringVar(&driver, "store", envOr("STORE_DRIVER", "badger"), "Store driver: badger | postgres")
	flag.StringVar(&badgerPath, "badger-path", envOr("BADGER_PATH", "./data/badger"), "Badger directory")
	flag.StringVar(&dbSource, "db", os.Getenv("DB_SOURCE"), "Postgres DSN")
	flag.StringVar(&outFile, "out", "codes.txt", "File receiving the issued codes, one per line")
}

func main() {
	flag.Parse()
	logger, err := logging.New("development", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := seed(context.Background(), logger); err != nil {
		logger.Fatal("Seeding failed", zap.Error(err))
	}
}

func seed(ctx context.Context, logger *zap.Logger) error {
	var st store.Store
	var err error
	if driver == "postgres" {
		st, err = store.NewPostgres(ctx, dbSource, logger)
	} else {
		st, err = store.OpenBadger(badgerPath, logger)
	}
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer st.Close()

	logger.Info("--- Seeding store ---", zap.String("store", driver), zap.Int("codes", total))

	// 1. Check existing
	pending, err := st.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) >= total {
		logger.Info("Store already has enough pending codes, skipping", zap.Int("pending", len(pending)))
		return nil
	}

	// 2. Backdate the code clock so seeded codes sit below any code a live
	// server hands out from now on; the extra lifetime keeps deadlines current.
	offset := time.Duration(total+1) * time.Second
	base := time.Now().Add(-offset)
	issuer := service.NewIssuer(st, logger, service.IssuerConfig{
		Expiration:  expiration + offset,
		MaxAttempts: total,
		Now:         func() time.Time { return base },
	})

	f, err := os.Create(outFile)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	// 3. Issue
	start := time.Now()
	for i := 0; i < total; i++ {
		issued, err := issuer.Issue(ctx, fmt.Sprintf("seed-%d-%d", start.Unix(), i), amount)
		if err != nil {
			return fmt.Errorf("issue %d: %w", i, err)
		}
		fmt.Fprintln(w, issued.Code)
	}

	logger.Info("Successfully seeded codes",
		zap.Int("codes", total),
		zap.String("out", outFile),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
