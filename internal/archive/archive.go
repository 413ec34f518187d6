// Package archive exports completed trading sessions to S3 as parquet.
// It runs beside the serving path and never feeds back into it: a failed
// export is logged and retried on the next check, nothing else notices.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"quoteflow/config"
	"quoteflow/internal/calendar"
	"quoteflow/internal/quote"
	"quoteflow/logger"
)

// parquetQuote is one archived row. Series kinds produce a row per bar;
// price and index kinds produce a single row whose bar_date equals the
// as-of date.
type parquetQuote struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market    string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind      string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	AsOfDate  string  `parquet:"name=as_of_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	BarDate   string  `parquet:"name=bar_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	PrevClose float64 `parquet:"name=prev_close, type=DOUBLE"`
	Volume    int64   `parquet:"name=volume, type=INT64"`
	Vendor    string  `parquet:"name=vendor, type=BYTE_ARRAY, convertedtype=UTF8"`
	FetchedAt int64   `parquet:"name=fetched_at, type=INT64"`
}

// Source yields the completed entries for a trading date. The Postgres
// store satisfies it.
type Source interface {
	ListCompleted(ctx context.Context, date string) ([]*quote.CacheEntry, error)
}

// Exporter writes one parquet object per (market, kind) for each finished
// trading date. A date is exported once; the exported map survives only
// for the process lifetime, so a restart may re-upload under a fresh
// batch id, which readers must tolerate.
type Exporter struct {
	cfg      *config.Config
	source   Source
	cal      *calendar.TradingCalendar
	s3Client *s3.Client
	log      *logger.Log

	mu       sync.Mutex
	exported map[string]string

	now    func() time.Time
	upload func(ctx context.Context, key string, data []byte) error
}

// NewExporter builds the exporter and its S3 client. Returns (nil, nil)
// when archiving is disabled.
func NewExporter(cfg *config.Config, source Source, cal *calendar.TradingCalendar) (*Exporter, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}

	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	e := &Exporter{
		cfg:      cfg,
		source:   source,
		cal:      cal,
		s3Client: client,
		log:      log,
		exported: make(map[string]string),
		now:      time.Now,
	}
	e.upload = e.uploadObject

	log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archive exporter initialized")

	return e, nil
}

// Run checks for finished sessions until the context is cancelled. The
// first check happens immediately, later ones on the configured interval.
func (e *Exporter) Run(ctx context.Context) {
	log := e.log.WithComponent("archive")
	interval := e.cfg.Archive.CheckInterval()
	log.WithFields(logger.Fields{"check_interval": interval.String()}).Info("archive exporter started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.exportPending(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("archive exporter stopped")
			return
		case <-ticker.C:
			e.exportPending(ctx)
		}
	}
}

func (e *Exporter) exportPending(ctx context.Context) {
	markets := make([]string, 0, len(e.cfg.Markets))
	for name := range e.cfg.Markets {
		markets = append(markets, name)
	}
	sort.Strings(markets)

	for _, market := range markets {
		date := e.cal.LatestCompleted(market, e.now()).Format(quote.DateLayout)
		if e.lastExported(market) == date {
			continue
		}

		if err := e.exportMarket(ctx, market, date); err != nil {
			e.log.WithComponent("archive").WithError(err).WithFields(logger.Fields{
				"market": market,
				"date":   date,
			}).Warn("archive export failed, retrying next check")
			continue
		}
		e.markExported(market, date)
	}
}

func (e *Exporter) exportMarket(ctx context.Context, market, date string) error {
	entries, err := e.source.ListCompleted(ctx, date)
	if err != nil {
		return fmt.Errorf("list completed entries: %w", err)
	}

	groups := groupByKind(entries, market)
	log := e.log.WithComponent("archive").WithFields(logger.Fields{
		"market": market,
		"date":   date,
	})
	if len(groups) == 0 {
		log.Debug("no completed entries to archive")
		return nil
	}

	for _, kind := range quote.Kinds() {
		group := groups[kind]
		if len(group) == 0 {
			continue
		}

		data, err := e.buildParquet(group)
		if err != nil {
			return fmt.Errorf("encode %s parquet: %w", kind, err)
		}

		batchID := uuid.New().String()
		key := objectKey(market, kind, date, batchID)
		if err := e.upload(ctx, key, data); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}

		log.WithFields(logger.Fields{
			"kind":      string(kind),
			"batch_id":  batchID,
			"s3_key":    key,
			"records":   len(group),
			"file_size": len(data),
		}).Info("archived completed session")
	}
	return nil
}

func (e *Exporter) lastExported(market string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exported[market]
}

func (e *Exporter) markExported(market, date string) {
	e.mu.Lock()
	e.exported[market] = date
	e.mu.Unlock()
}

// groupByKind splits one date's entries into per-kind groups for a single
// market. Entries from other markets are someone else's export.
func groupByKind(entries []*quote.CacheEntry, market string) map[quote.Kind][]*quote.CacheEntry {
	groups := make(map[quote.Kind][]*quote.CacheEntry)
	for _, entry := range entries {
		if entry == nil || entry.Quote.Market != market {
			continue
		}
		kind := entry.Quote.Kind
		groups[kind] = append(groups[kind], entry)
	}
	return groups
}

// objectKey builds the partitioned S3 key for one parquet object.
func objectKey(market string, kind quote.Kind, date, batchID string) string {
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		market,
		kind,
		strings.ReplaceAll(date, "-", ""),
		batchID)

	key := filepath.Join(
		fmt.Sprintf("market=%s", market),
		fmt.Sprintf("kind=%s", kind),
		fmt.Sprintf("date=%s", date),
		filename,
	)
	return filepath.ToSlash(key)
}

func (e *Exporter) buildParquet(entries []*quote.CacheEntry) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(parquetQuote), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch e.cfg.Archive.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, entry := range entries {
		for _, record := range recordsFor(entry) {
			if err := pw.Write(record); err != nil {
				pw.WriteStop()
				return nil, fmt.Errorf("write parquet record: %w", err)
			}
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}

func recordsFor(entry *quote.CacheEntry) []parquetQuote {
	q := entry.Quote
	base := parquetQuote{
		Symbol:    q.Symbol,
		Market:    q.Market,
		Kind:      string(q.Kind),
		AsOfDate:  q.AsOfDate,
		Vendor:    q.Vendor,
		FetchedAt: entry.FetchedAt.UnixMilli(),
	}

	if len(q.Bars) > 0 {
		records := make([]parquetQuote, 0, len(q.Bars))
		for _, bar := range q.Bars {
			record := base
			record.BarDate = bar.Date
			record.Open = bar.Open.InexactFloat64()
			record.High = bar.High.InexactFloat64()
			record.Low = bar.Low.InexactFloat64()
			record.Close = bar.Close.InexactFloat64()
			record.Volume = bar.Volume
			records = append(records, record)
		}
		return records
	}

	record := base
	record.BarDate = q.AsOfDate
	record.Open = q.Open.InexactFloat64()
	record.High = q.High.InexactFloat64()
	record.Low = q.Low.InexactFloat64()
	record.Close = q.Price.InexactFloat64()
	record.PrevClose = q.PrevClose.InexactFloat64()
	record.Volume = q.Volume
	return []parquetQuote{record}
}

func (e *Exporter) uploadObject(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       e.cfg.Archive.Compression,
			"quoteflow-version": e.cfg.Quoteflow.Version,
		},
	}

	// An upload already in flight finishes even during shutdown.
	ctx = context.WithoutCancel(ctx)
	if _, err := e.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object to bucket %s: %w", e.cfg.Storage.S3.Bucket, err)
	}
	return nil
}
