package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse sync_outcomes table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// OutcomeRow represents a single row from the sync_outcomes table.
type OutcomeRow struct {
	RequestID      string
	Timestamp      time.Time
	Service        string
	Resource       string
	Permission     string
	Action         string
	UserName       string
	GroupName      string
	Status         string
	Matched        uint8
	TargetsTotal   uint32
	TargetsFailed  uint32
	TargetServices []string
	TargetPaths    []string
	Errors         []string
	LatencyMs      float32
	Source         string
}

// ListOutcomesParams holds filters and pagination for outcome listing.
type ListOutcomesParams struct {
	Service   *string
	UserName  *string
	Status    *string
	Action    *string
	Source    *string
	Matched   *bool
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// ListOutcomes returns paginated, filtered sync outcomes and the total count.
func (r *Reader) ListOutcomes(ctx context.Context, params ListOutcomesParams) ([]OutcomeRow, int, error) {
	var conditions []string
	var args []any

	if params.Service != nil {
		conditions = append(conditions, "service = @service")
		args = append(args, clickhouse.Named("service", *params.Service))
	}
	if params.UserName != nil {
		conditions = append(conditions, "user_name = @user_name")
		args = append(args, clickhouse.Named("user_name", *params.UserName))
	}
	if params.Status != nil {
		conditions = append(conditions, "status = @status")
		args = append(args, clickhouse.Named("status", *params.Status))
	}
	if params.Action != nil {
		conditions = append(conditions, "action = @action")
		args = append(args, clickhouse.Named("action", *params.Action))
	}
	if params.Source != nil {
		conditions = append(conditions, "source = @source")
		args = append(args, clickhouse.Named("source", *params.Source))
	}
	if params.Matched != nil {
		var v uint8
		if *params.Matched {
			v = 1
		}
		conditions = append(conditions, "matched = @matched")
		args = append(args, clickhouse.Named("matched", v))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := "1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}
	offset := (params.Page - 1) * params.PageSize

	// Count query
	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM sync_outcomes WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListOutcomes count: %w", err)
	}

	// Data query
	dataQuery := fmt.Sprintf(
		"SELECT request_id, timestamp, service, resource, permission, action, "+
			"user_name, group_name, status, matched, "+
			"targets_total, targets_failed, target_services, target_paths, errors, "+
			"latency_ms, source "+
			"FROM sync_outcomes WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListOutcomes query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outcomes []OutcomeRow
	for rows.Next() {
		var o OutcomeRow
		if err := rows.Scan(
			&o.RequestID, &o.Timestamp, &o.Service, &o.Resource, &o.Permission, &o.Action,
			&o.UserName, &o.GroupName, &o.Status, &o.Matched,
			&o.TargetsTotal, &o.TargetsFailed, &o.TargetServices, &o.TargetPaths, &o.Errors,
			&o.LatencyMs, &o.Source,
		); err != nil {
			return nil, 0, fmt.Errorf("ListOutcomes scan: %w", err)
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, int(total), rows.Err()
}

// GetOutcome returns a single outcome by request ID, or nil if not found.
func (r *Reader) GetOutcome(ctx context.Context, requestID string) (*OutcomeRow, error) {
	row := r.conn.QueryRow(ctx,
		"SELECT request_id, timestamp, service, resource, permission, action, "+
			"user_name, group_name, status, matched, "+
			"targets_total, targets_failed, target_services, target_paths, errors, "+
			"latency_ms, source "+
			"FROM sync_outcomes "+
			"WHERE request_id = @request_id",
		clickhouse.Named("request_id", requestID),
	)

	var o OutcomeRow
	if err := row.Scan(
		&o.RequestID, &o.Timestamp, &o.Service, &o.Resource, &o.Permission, &o.Action,
		&o.UserName, &o.GroupName, &o.Status, &o.Matched,
		&o.TargetsTotal, &o.TargetsFailed, &o.TargetServices, &o.TargetPaths, &o.Errors,
		&o.LatencyMs, &o.Source,
	); err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetOutcome: %w", err)
	}
	if o.RequestID == "" {
		return nil, nil
	}
	return &o, nil
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	TotalEvents int `json:"total_events"`
	Successes   int `json:"successes"`
	Partials    int `json:"partials"`
	Failures    int `json:"failures"`
	Unmatched   int `json:"unmatched"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// ServiceCount holds a target service and its count.
type ServiceCount struct {
	Service string `json:"service"`
	Count   int    `json:"count"`
}

// ResyncReportStats holds resync run analysis.
type ResyncReportStats struct {
	Total  int `json:"total"`
	Failed int `json:"failed"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// UserCount holds a user_name and its count.
type UserCount struct {
	UserName string `json:"user_name"`
	Count    int    `json:"count"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary            SummaryStats       `json:"summary"`
	FailuresOverTime   []TimeSeriesBucket `json:"failures_over_time"`
	TopTargetServices  []ServiceCount     `json:"top_target_services"`
	ResyncReport       ResyncReportStats  `json:"resync_report"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
	TopFailingUsers    []UserCount        `json:"top_failing_users"`
}

// GetAnalytics returns aggregated sync analytics over the given number of days.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)

	baseArgs := []any{
		clickhouse.Named("range_start", rangeStart),
	}

	result := &AnalyticsResult{}

	// Summary counts
	var totalEvents, successes, partials, failures, unmatched uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total_events, "+
			"countIf(status = 'success') as successes, "+
			"countIf(status = 'partial') as partials, "+
			"countIf(status = 'failed') as failures, "+
			"countIf(matched = 0) as unmatched "+
			"FROM sync_outcomes "+
			"WHERE timestamp >= @range_start",
		baseArgs...,
	).Scan(&totalEvents, &successes, &partials, &failures, &unmatched)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalEvents: int(totalEvents),
		Successes:   int(successes),
		Partials:    int(partials),
		Failures:    int(failures),
		Unmatched:   int(unmatched),
	}

	// Failures over time (hourly)
	fotRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) as hour, count() as count "+
			"FROM sync_outcomes "+
			"WHERE status != 'success' "+
			"AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics failures_over_time: %w", err)
	}
	defer func() { _ = fotRows.Close() }()
	for fotRows.Next() {
		var hour time.Time
		var count uint64
		if err := fotRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics failures_over_time scan: %w", err)
		}
		result.FailuresOverTime = append(result.FailuresOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	// Top target services
	svcRows, err := r.conn.Query(ctx,
		"SELECT arrayJoin(target_services) as service, count() as count "+
			"FROM sync_outcomes "+
			"WHERE timestamp >= @range_start "+
			"GROUP BY service ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_services: %w", err)
	}
	defer func() { _ = svcRows.Close() }()
	for svcRows.Next() {
		var svc string
		var count uint64
		if err := svcRows.Scan(&svc, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_services scan: %w", err)
		}
		result.TopTargetServices = append(result.TopTargetServices, ServiceCount{
			Service: svc, Count: int(count),
		})
	}

	// Resync report
	var resyncTotal, resyncFailed uint64
	err = r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(status != 'success') as failed "+
			"FROM sync_outcomes "+
			"WHERE source = 'resync' "+
			"AND timestamp >= @range_start",
		baseArgs...,
	).Scan(&resyncTotal, &resyncFailed)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics resync_report: %w", err)
	}
	result.ResyncReport = ResyncReportStats{
		Total: int(resyncTotal), Failed: int(resyncFailed),
	}

	// Latency percentiles (last 24h)
	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms) as p50, "+
			"quantile(0.95)(latency_ms) as p95, "+
			"quantile(0.99)(latency_ms) as p99 "+
			"FROM sync_outcomes "+
			"WHERE timestamp >= @day_start",
		clickhouse.Named("day_start", dayStart),
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Top users by failed syncs
	userRows, err := r.conn.Query(ctx,
		"SELECT user_name, count() as count "+
			"FROM sync_outcomes "+
			"WHERE status != 'success' "+
			"AND user_name != '' AND timestamp >= @range_start "+
			"GROUP BY user_name ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_users: %w", err)
	}
	defer func() { _ = userRows.Close() }()
	for userRows.Next() {
		var name string
		var count uint64
		if err := userRows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_users scan: %w", err)
		}
		result.TopFailingUsers = append(result.TopFailingUsers, UserCount{
			UserName: name, Count: int(count),
		})
	}

	// Ensure slices are non-nil for JSON serialization
	if result.FailuresOverTime == nil {
		result.FailuresOverTime = []TimeSeriesBucket{}
	}
	if result.TopTargetServices == nil {
		result.TopTargetServices = []ServiceCount{}
	}
	if result.TopFailingUsers == nil {
		result.TopFailingUsers = []UserCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
