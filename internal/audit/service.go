package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

const (
	DefaultPageSize      = 50
	MaxPageSize          = 200
	DefaultExportMaxRows = 10000
	DefaultRetentionDays = 90
	defaultWriteTimeout  = 3 * time.Second
	maxSearchLength      = 200
)

// Repository menyediakan penyimpanan audit yang tahan restart.
type Repository interface {
	Insert(ctx context.Context, rec Record) (int64, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]Record, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	CountBy(ctx context.Context, filter Filter, dim Dimension) (map[string]int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteBeforeAudited menghapus seperti DeleteBefore lalu menulis catatan
	// dari trail dalam transaksi yang sama. Error dari trail membatalkan
	// penghapusan.
	DeleteBeforeAudited(ctx context.Context, cutoff time.Time, trail func(deleted int64) (Record, error)) (int64, error)
}

// FailureObserver diberi tahu ketika penulisan best-effort gagal.
type FailureObserver interface {
	AuditWriteFailed(action string)
}

// Config mengatur batas Recorder.
type Config struct {
	WriteTimeout  time.Duration
	ExportMaxRows int
}

// Recorder adalah jalur tulis dan baca audit trail.
type Recorder struct {
	repo         Repository
	logger       *slog.Logger
	failures     FailureObserver
	writeTimeout time.Duration
	exportMax    int
	now          func() time.Time
	stats        singleflight.Group
}

// NewRecorder membuat Recorder baru. failures boleh nil.
func NewRecorder(repo Repository, logger *slog.Logger, failures FailureObserver, cfg Config) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ExportMaxRows <= 0 {
		cfg.ExportMaxRows = DefaultExportMaxRows
	}
	return &Recorder{
		repo:         repo,
		logger:       logger,
		failures:     failures,
		writeTimeout: cfg.WriteTimeout,
		exportMax:    cfg.ExportMaxRows,
		now:          time.Now,
	}
}

// Record menulis rec dan mengembalikan id-nya. Kegagalan selalu dikembalikan
// ke pemanggil.
func (r *Recorder) Record(ctx context.Context, rec Record) (int64, error) {
	if r == nil || r.repo == nil {
		return 0, errors.New("audit: repository not configured")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	id, err := r.repo.Insert(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("audit: insert %s: %w", rec.Action, err)
	}
	return id, nil
}

// Log menulis rec secara best-effort. Pembatalan request tidak membatalkan
// penulisan; durasinya dibatasi WriteTimeout.
func (r *Recorder) Log(ctx context.Context, rec Record) {
	if r == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	if _, err := r.Record(writeCtx, rec); err != nil {
		r.logger.Warn("audit write failed",
			slog.Any("error", err),
			slog.String("action", rec.Action),
			slog.Int64("tenant_id", rec.TenantID),
			slog.Int64("user_id", rec.UserID))
		if r.failures != nil {
			r.failures.AuditWriteFailed(rec.Action)
		}
	}
}

// Query mengembalikan satu halaman audit terbaru-dulu beserta total yang
// cocok dengan filter, tanpa memperhatikan halaman.
func (r *Recorder) Query(ctx context.Context, filter Filter, req shared.PageRequest) (Page, error) {
	if r == nil || r.repo == nil {
		return Page{}, errors.New("audit: repository not configured")
	}
	filter, err := normalizeFilter(filter)
	if err != nil {
		return Page{}, err
	}
	req = req.Normalize(DefaultPageSize, MaxPageSize)

	var (
		records []Record
		total   int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = r.repo.List(gctx, filter, req.PageSize, req.Offset())
		return err
	})
	g.Go(func() error {
		var err error
		total, err = r.repo.Count(gctx, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return Page{}, fmt.Errorf("audit: query: %w", err)
	}
	if len(records) > req.PageSize {
		records = records[:req.PageSize]
	}
	if records == nil {
		records = []Record{}
	}
	pagination := shared.NewPagination(req.Page, req.PageSize, int(total))
	return Page{
		Records:    records,
		TotalCount: total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: pagination.TotalPages,
	}, nil
}

// Stats menghitung ringkasan audit. Panggilan bersamaan untuk tenant yang
// sama digabung.
func (r *Recorder) Stats(ctx context.Context, tenantID *int64) (Stats, error) {
	if r == nil || r.repo == nil {
		return Stats{}, errors.New("audit: repository not configured")
	}
	key := "all"
	if tenantID != nil {
		key = "tenant:" + strconv.FormatInt(*tenantID, 10)
	}
	v, err, _ := r.stats.Do(key, func() (any, error) {
		return r.computeStats(context.WithoutCancel(ctx), tenantID)
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

func (r *Recorder) computeStats(ctx context.Context, tenantID *int64) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*r.writeTimeout)
	defer cancel()

	now := r.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	week := now.AddDate(0, 0, -7)
	month := now.AddDate(0, 0, -30)
	failed := false
	since := func(t time.Time) Filter { return Filter{TenantID: tenantID, From: &t} }

	var stats Stats
	g, gctx := errgroup.WithContext(ctx)
	count := func(dst *int64, f Filter) {
		g.Go(func() error {
			n, err := r.repo.Count(gctx, f)
			*dst = n
			return err
		})
	}
	group := func(dst *map[string]int64, dim Dimension) {
		g.Go(func() error {
			m, err := r.repo.CountBy(gctx, since(month), dim)
			*dst = m
			return err
		})
	}
	count(&stats.Today, since(today))
	count(&stats.Last7Days, since(week))
	count(&stats.Last30Days, since(month))
	failedFilter := since(month)
	failedFilter.IsSuccess = &failed
	count(&stats.Failed, failedFilter)
	group(&stats.ByAction, DimensionAction)
	group(&stats.ByEntityType, DimensionEntityType)
	group(&stats.BySeverity, DimensionSeverity)
	if err := g.Wait(); err != nil {
		return Stats{}, fmt.Errorf("audit: stats: %w", err)
	}
	return stats, nil
}

// Export menulis maksimal ExportMaxRows catatan yang cocok dengan filter
// sebagai CSV dan mengembalikan jumlah baris.
func (r *Recorder) Export(ctx context.Context, w io.Writer, filter Filter) (int, error) {
	if r == nil || r.repo == nil {
		return 0, errors.New("audit: repository not configured")
	}
	filter, err := normalizeFilter(filter)
	if err != nil {
		return 0, err
	}
	records, err := r.repo.List(ctx, filter, r.exportMax, 0)
	if err != nil {
		return 0, fmt.Errorf("audit: export: %w", err)
	}
	if len(records) > r.exportMax {
		records = records[:r.exportMax]
	}
	if err := WriteCSV(w, records); err != nil {
		return 0, fmt.Errorf("audit: write csv: %w", err)
	}
	return len(records), nil
}

// PurgeOlderThan menghapus semua catatan dengan timestamp sebelum cutoff.
// Ini satu-satunya jalur penghapusan audit.
func (r *Recorder) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.repo == nil {
		return 0, errors.New("audit: repository not configured")
	}
	if cutoff.IsZero() {
		return 0, shared.Invalid("cutoff", "is required")
	}
	deleted, err := r.repo.DeleteBefore(ctx, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	return deleted, nil
}

// CleanupResult melaporkan hasil Cleanup.
type CleanupResult struct {
	Cutoff       time.Time `json:"cutoff"`
	DeletedCount int64     `json:"deletedCount"`
}

// Cleanup menghapus catatan yang lebih tua dari daysToKeep hari lalu mencatat
// penghapusan itu sendiri dengan severity Critical atas nama actor.
func (r *Recorder) Cleanup(ctx context.Context, daysToKeep int, actor Record) (CleanupResult, error) {
	if daysToKeep < 1 {
		return CleanupResult{}, shared.Invalid("daysToKeep", "must be at least 1")
	}
	if r == nil || r.repo == nil {
		return CleanupResult{}, errors.New("audit: repository not configured")
	}
	now := r.now().UTC()
	cutoff := now.AddDate(0, 0, -daysToKeep)
	deleted, err := r.repo.DeleteBeforeAudited(ctx, cutoff, func(deleted int64) (Record, error) {
		rec := actor
		rec.Action = ActionAuditPurged
		rec.EntityType = "AuditLog"
		rec.EntityName = "audit_logs"
		rec.Severity = SeverityCritical
		rec.IsSuccess = true
		rec.Timestamp = now
		rec.NewValues = Snapshot(map[string]any{"daysToKeep": daysToKeep, "cutoff": cutoff, "deletedCount": deleted})
		rec.Description = fmt.Sprintf("Purged %d audit records older than %s", deleted, cutoff.Format(csvTimeLayout))
		return rec, rec.Validate()
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("audit: cleanup: %w", err)
	}
	return CleanupResult{Cutoff: cutoff, DeletedCount: deleted}, nil
}

func normalizeFilter(f Filter) (Filter, error) {
	f.Action = strings.TrimSpace(f.Action)
	f.EntityType = strings.TrimSpace(f.EntityType)
	f.Search = norm.NFC.String(strings.TrimSpace(f.Search))
	if len([]rune(f.Search)) > maxSearchLength {
		return Filter{}, shared.Invalid("search", "is too long")
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return Filter{}, shared.Invalid("fromDate", "must not be after toDate")
	}
	return f, nil
}
