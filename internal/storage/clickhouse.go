package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter writes sync outcomes to ClickHouse asynchronously.
// Write() is non-blocking; outcomes are buffered and batch-inserted in a
// background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *SyncOutcome
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// Ensure TLS is enabled for secure connections (e.g. ClickHouse Cloud on
	// port 9440). ParseDSN sets this when ?secure=true is in the DSN, but we
	// enforce it here as a safety net to match ClickHouse Cloud's official Go
	// connection example.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *SyncOutcome, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues a sync outcome for async insertion.
// Non-blocking: drops the outcome if the buffer is full.
func (w *ClickHouseWriter) Write(outcome *SyncOutcome) {
	select {
	case w.buffer <- outcome:
	default:
		w.logger.Warn("clickhouse buffer full, dropping outcome",
			zap.String("request_id", outcome.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining outcomes, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*SyncOutcome, 0, flushBatch)

	for {
		select {
		case outcome := <-w.buffer:
			batch = append(batch, outcome)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain remaining outcomes from buffer
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case outcome := <-w.buffer:
					batch = append(batch, outcome)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(outcomes []*SyncOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO sync_outcomes (
			request_id, timestamp, service, resource, permission, action,
			user_name, group_name, status, matched,
			targets_total, targets_failed, target_services, target_paths, errors,
			latency_ms, source
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, o := range outcomes {
		var matchedUint8 uint8
		if o.Matched {
			matchedUint8 = 1
		}

		if err := batch.Append(
			o.RequestID,
			o.Timestamp,
			o.Service,
			o.Resource,
			o.Permission,
			o.Action,
			o.UserName,
			o.GroupName,
			o.Status,
			matchedUint8,
			o.TargetsTotal,
			o.TargetsFailed,
			o.TargetServices,
			o.TargetPaths,
			o.Errors,
			o.LatencyMs,
			o.Source,
		); err != nil {
			w.logger.Error("clickhouse append outcome failed",
				zap.String("request_id", o.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(outcomes)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback OutcomeWriter for local development.
// It logs outcomes as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs outcomes to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(outcome *SyncOutcome) {
	w.logger.Info("sync_outcome",
		zap.String("request_id", outcome.RequestID),
		zap.String("service", outcome.Service),
		zap.String("resource", outcome.Resource),
		zap.String("permission", outcome.Permission),
		zap.String("action", outcome.Action),
		zap.String("user", outcome.UserName),
		zap.String("group", outcome.GroupName),
		zap.String("status", outcome.Status),
		zap.Uint32("targets_total", outcome.TargetsTotal),
		zap.Uint32("targets_failed", outcome.TargetsFailed),
		zap.Strings("errors", outcome.Errors),
		zap.Float32("latency_ms", outcome.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
