package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

// ValuesAPI is the slice of the Sheets values API the lead store needs.
type ValuesAPI interface {
	Get(ctx context.Context, rng string) ([][]string, error)
	Append(ctx context.Context, rng string, row []interface{}) (updatedRange string, err error)
	BatchUpdate(ctx context.Context, cells map[string]interface{}) error
}

type Config struct {
	SpreadsheetID string
	Options       []option.ClientOption
}

type client struct {
	log           *logger.Logger
	svc           *gsheets.Service
	spreadsheetID string
}

func New(ctx context.Context, log *logger.Logger, cfg Config) (ValuesAPI, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, fmt.Errorf("missing SHEETS_SPREADSHEET_ID")
	}
	opts := append([]option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}, cfg.Options...)
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}
	return &client{
		log:           log.With("client", "SheetsClient"),
		svc:           svc,
		spreadsheetID: strings.TrimSpace(cfg.SpreadsheetID),
	}, nil
}

func (c *client) Get(ctx context.Context, rng string) ([][]string, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).
		ValueRenderOption("FORMATTED_VALUE").
		MajorDimension("ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapAPIError("values.get", err)
	}
	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = strings.TrimSpace(fmt.Sprint(v))
		}
		out[i] = cells
	}
	return out, nil
}

func (c *client) Append(ctx context.Context, rng string, row []interface{}) (string, error) {
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, &gsheets.ValueRange{
		MajorDimension: "ROWS",
		Values:         [][]interface{}{row},
	}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return "", wrapAPIError("values.append", err)
	}
	if resp.Updates == nil {
		return "", fmt.Errorf("sheets values.append: response has no updates")
	}
	return resp.Updates.UpdatedRange, nil
}

func (c *client) BatchUpdate(ctx context.Context, cells map[string]interface{}) error {
	if len(cells) == 0 {
		return nil
	}
	data := make([]*gsheets.ValueRange, 0, len(cells))
	for rng, v := range cells {
		data = append(data, &gsheets.ValueRange{
			Range:          rng,
			MajorDimension: "ROWS",
			Values:         [][]interface{}{{v}},
		})
	}
	_, err := c.svc.Spreadsheets.Values.BatchUpdate(c.spreadsheetID, &gsheets.BatchUpdateValuesRequest{
		ValueInputOption: "USER_ENTERED",
		Data:             data,
	}).Context(ctx).Do()
	if err != nil {
		return wrapAPIError("values.batchUpdate", err)
	}
	return nil
}

// APIError carries the HTTP status of a failed Sheets call so retry
// classification (httpx.IsRetryableError) can see rate limits and outages.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sheets %s (http %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) HTTPStatusCode() int { return e.StatusCode }

func wrapAPIError(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return &APIError{Op: op, StatusCode: gErr.Code, Err: err}
	}
	return fmt.Errorf("sheets %s: %w", op, err)
}
