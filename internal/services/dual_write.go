package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/leadsync-backend/internal/clients/sheets"
	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
	"github.com/yungbote/leadsync-backend/internal/observability"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/pkg/phone"
)

// KindLeadDualWrite is the retry command kind of a lead dual write.
const KindLeadDualWrite = "lead.dual_write"

// DualWritePayload is everything needed to redo one dual write.
type DualWritePayload struct {
	OperationID string              `json:"operation_id"`
	Handler     string              `json:"handler"`
	Fields      types.Fields        `json:"fields"`
	History     *types.HistoryInput `json:"history,omitempty"`
}

// DualWriteOutcome reports what each store did during one Run.
type DualWriteOutcome struct {
	Document *WriteResult
	Sheet    *SheetUpsertResult
}

type DualWriteResult struct {
	OperationID string
	// Accepted is false only for input that can never be written.
	Accepted   bool
	Synced     bool
	Queued     bool
	BusinessID string
	Created    bool
	SheetRow   int
	Err        error
}

// Locker is the slice of locks.Mutex the retry path needs.
type Locker interface {
	WithLock(ctx context.Context, identity string, fn func(ctx context.Context) error) error
}

type DualWriterConfig struct {
	// DocumentStoreEnabled gates the document half during the phased
	// rollout; with it off only the sheet is written.
	DocumentStoreEnabled bool
}

type DualWriter struct {
	log    *logger.Logger
	docs   LeadDocumentStore
	sheet  LeadSheetStore
	queue  *retry.Queue
	audit  *SyncFailureRecorder
	locker Locker
	cfg    DualWriterConfig
}

func NewDualWriter(
	baseLog *logger.Logger,
	docs LeadDocumentStore,
	sheet LeadSheetStore,
	queue *retry.Queue,
	audit *SyncFailureRecorder,
	locker Locker,
	cfg DualWriterConfig,
) *DualWriter {
	if docs == nil {
		cfg.DocumentStoreEnabled = false
	}
	return &DualWriter{
		log:    baseLog.With("service", "DualWriter"),
		docs:   docs,
		sheet:  sheet,
		queue:  queue,
		audit:  audit,
		locker: locker,
		cfg:    cfg,
	}
}

// Build packages one lead event as a retryable command. The history entry
// is stamped with the operation id so replays do not duplicate it.
func (w *DualWriter) Build(operationID, handler string, f types.Fields, entry *types.HistoryInput) (retry.Command, error) {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return retry.Command{}, fmt.Errorf("operation id required")
	}
	if entry != nil {
		e := *entry
		e.OperationID = operationID
		entry = &e
	}
	return retry.NewCommand(KindLeadDualWrite, DualWritePayload{
		OperationID: operationID,
		Handler:     handler,
		Fields:      f,
		History:     entry,
	})
}

// Run performs both halves concurrently. Both are always attempted; the
// returned error joins every failure. Run is idempotent, so a retry simply
// runs it again.
func (w *DualWriter) Run(ctx context.Context, cmd retry.Command) (*DualWriteOutcome, error) {
	var p DualWritePayload
	if err := cmd.Decode(&p); err != nil {
		return nil, err
	}
	ctx, span := observability.Tracer().Start(ctx, "lead.dual_write")
	defer span.End()
	span.SetAttributes(
		attribute.String("lead.operation_id", p.OperationID),
		attribute.String("lead.handler", p.Handler),
		attribute.Bool("lead.docstore_enabled", w.cfg.DocumentStoreEnabled),
	)

	f := p.Fields
	if w.cfg.DocumentStoreEnabled && f.SheetRow == nil {
		if lead := w.docs.FindByPhone(ctx, f.Phone); lead != nil {
			f.SheetRow = lead.SheetRow
		}
	}

	var (
		out            DualWriteOutcome
		docErr, shtErr error
		g              errgroup.Group
	)
	if w.cfg.DocumentStoreEnabled {
		g.Go(func() error {
			out.Document, docErr = w.docs.CreateOrUpdate(ctx, p.Fields, p.History)
			observability.Current().IncStoreWrite("document", docErr)
			return nil
		})
	}
	g.Go(func() error {
		out.Sheet, shtErr = w.sheet.UpsertContact(ctx, f)
		observability.Current().IncStoreWrite("sheet", shtErr)
		return nil
	})
	_ = g.Wait()

	var errs []error
	if docErr != nil {
		errs = append(errs, fmt.Errorf("document store: %w", docErr))
	}
	if shtErr != nil {
		errs = append(errs, fmt.Errorf("sheet store: %w", shtErr))
	}
	if len(errs) == 0 {
		if err := w.reconcile(ctx, p.Fields.Phone, &out); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dual write failed")
	}
	return &out, err
}

// reconcile links the two copies: the document learns its sheet row and the
// sheet row learns the business id.
func (w *DualWriter) reconcile(ctx context.Context, rawPhone string, out *DualWriteOutcome) error {
	if out.Sheet == nil || out.Document == nil || out.Document.Lead == nil {
		return nil
	}
	var errs []error
	lead := out.Document.Lead
	if lead.SheetRow == nil || *lead.SheetRow != out.Sheet.Row {
		if err := w.docs.SetSheetRow(ctx, rawPhone, out.Sheet.Row); err != nil {
			errs = append(errs, fmt.Errorf("reconcile sheet row: %w", err))
		}
	}
	bid := out.Document.BusinessID
	if bid != "" && out.Sheet.Values[sheets.ColBusinessID] != bid {
		if err := w.sheet.UpdateCellsByRow(ctx, out.Sheet.Row, map[string]string{sheets.ColBusinessID: bid}); err != nil {
			errs = append(errs, fmt.Errorf("reconcile business id: %w", err))
		} else {
			out.Sheet.Values[sheets.ColBusinessID] = bid
		}
	}
	return errors.Join(errs...)
}

// Write attempts the dual write inline and, on failure, hands the command to
// the retry queue. The caller always gets Accepted unless the input itself
// is invalid.
func (w *DualWriter) Write(ctx context.Context, cmd retry.Command, meta retry.Metadata) DualWriteResult {
	var p DualWritePayload
	if err := cmd.Decode(&p); err != nil {
		return DualWriteResult{Err: err}
	}
	res := DualWriteResult{OperationID: p.OperationID, Accepted: true}

	start := time.Now()
	out, err := w.Run(ctx, cmd)
	if out != nil {
		if out.Document != nil {
			res.BusinessID = out.Document.BusinessID
			res.Created = out.Document.Created
		}
		if out.Sheet != nil {
			res.SheetRow = out.Sheet.Row
			if !w.cfg.DocumentStoreEnabled && out.Sheet.Action == SheetActionCreated {
				res.Created = true
			}
		}
	}
	if err == nil {
		res.Synced = true
		observability.Current().ObserveDualWrite("synced", time.Since(start))
		return res
	}
	if types.IsValidation(err) {
		w.log.Warn("Dual write rejected", "operation_id", p.OperationID, "error", err)
		return DualWriteResult{OperationID: p.OperationID, Err: err}
	}

	res.Err = err
	res.Queued = w.queue.Enqueue(p.OperationID, cmd, meta)
	observability.Current().ObserveDualWrite("queued", time.Since(start))
	w.log.Warn("Dual write failed, queued for retry",
		"operation_id", p.OperationID,
		"handler", p.Handler,
		"phone_key", phone.Key(p.Fields.Phone),
		"queued", res.Queued,
		"error", err,
	)
	if w.audit != nil {
		w.audit.RecordFirstAttempt(ctx, p.OperationID, cmd, meta, err)
	}
	return res
}

// RetryHandler replays dual writes from the queue under the same lead lock
// inbound events take.
func (w *DualWriter) RetryHandler() retry.Handler {
	return retry.HandlerFunc{K: KindLeadDualWrite, Fn: func(ctx context.Context, cmd retry.Command) error {
		var p DualWritePayload
		if err := cmd.Decode(&p); err != nil {
			return err
		}
		run := func(ctx context.Context) error {
			_, err := w.Run(ctx, cmd)
			return err
		}
		key := phone.Key(p.Fields.Phone)
		if w.locker == nil || key == "" {
			return run(ctx)
		}
		return w.locker.WithLock(ctx, key, run)
	}}
}

// Queue exposes the retry queue for diagnostics.
func (w *DualWriter) Queue() *retry.Queue { return w.queue }
