// Command suppliersync loads a supplier network snapshot CSV into the local
// cache. It is the out-of-band companion to the API: the pipeline only reads
// the suppliers table, this command is what writes it.
//
// Usage:
//
//	suppliersync -file snapshot.csv [-chunk 1000]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
	"github.com/FACorreiaa/payee-enrichment/pkg/config"
	"github.com/FACorreiaa/payee-enrichment/pkg/db"
)

// snapshotRow mirrors the export format of the supplier network snapshot.
// Normalization fields are not part of the file; the repository derives them
// on upsert.
type snapshotRow struct {
	SupplierID      string  `csv:"supplier_id"`
	PayeeName       string  `csv:"payee_name"`
	BusinessName    string  `csv:"business_name"`
	DBA             string  `csv:"dba"`
	LegalName       string  `csv:"legal_name"`
	EIN             string  `csv:"ein"`
	City            string  `csv:"city"`
	State           string  `csv:"state"`
	MCC             string  `csv:"mcc"`
	Industry        string  `csv:"industry"`
	PaymentType     string  `csv:"payment_type"`
	CommonNameScore float64 `csv:"common_name_score"`
}

func main() {
	var (
		file  = flag.String("file", "", "path to the supplier snapshot CSV")
		chunk = flag.Int("chunk", 1000, "rows per upsert batch")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *file == "" {
		logger.Error("missing required -file flag")
		os.Exit(2)
	}
	if err := run(logger, *file, *chunk); err != nil {
		logger.Error("sync failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, path string, chunkSize int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(db.Config{
		DSN:             cfg.Database.DSN(),
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	repo := supplier.NewRepository(database.Pool)
	ctx := context.Background()
	start := time.Now()

	var (
		pending []supplier.Supplier
		total   int
		skipped int
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := repo.UpsertBatch(ctx, pending); err != nil {
			return err
		}
		total += len(pending)
		pending = pending[:0]
		logger.Info("chunk applied", slog.Int("total_rows", total))
		return nil
	}

	rowCh := make(chan snapshotRow)
	errCh := make(chan error, 1)
	go func() {
		errCh <- gocsv.UnmarshalToChan(f, rowCh)
	}()

	for row := range rowCh {
		if row.SupplierID == "" || row.PayeeName == "" {
			skipped++
			continue
		}
		pending = append(pending, toSupplier(row))
		if len(pending) >= chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	logger.Info("sync complete",
		slog.Int("rows", total),
		slog.Int("skipped", skipped),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func toSupplier(row snapshotRow) supplier.Supplier {
	return supplier.Supplier{
		SupplierID:      row.SupplierID,
		PayeeName:       row.PayeeName,
		BusinessName:    optional(row.BusinessName),
		DBA:             optional(row.DBA),
		LegalName:       optional(row.LegalName),
		EIN:             optional(row.EIN),
		City:            row.City,
		State:           row.State,
		MCC:             row.MCC,
		Industry:        row.Industry,
		PaymentType:     row.PaymentType,
		CommonNameScore: row.CommonNameScore,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
