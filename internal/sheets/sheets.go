// Package sheets appends telemetry rows to a Google spreadsheet, one
// worksheet per device.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	newSheetRows    = 1000
	newSheetColumns = 20
)

// Client is a flush.Sink backed by the Sheets API.
type Client struct {
	svc           *sheets.Service
	spreadsheetID string

	mu     sync.Mutex
	titles map[string]bool
	headed map[string]bool
}

// CredentialOptions returns the client options for a service account key
// file with spreadsheet scope.
func CredentialOptions(credentialsFile string) []option.ClientOption {
	return []option.ClientOption{
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope),
	}
}

// New connects to the spreadsheet and verifies it can be read.
func New(ctx context.Context, spreadsheetID string, opts ...option.ClientOption) (*Client, error) {
	if spreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	c := &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		titles:        make(map[string]bool),
		headed:        make(map[string]bool),
	}
	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("open spreadsheet %s: %w", spreadsheetID, err)
	}
	return c, nil
}

func (c *Client) refresh(ctx context.Context) error {
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			c.titles[sh.Properties.Title] = true
		}
	}
	return nil
}

// EnsureSheet creates the worksheet if it is absent and writes the header
// row if the worksheet has none. A worksheet left without a header by an
// earlier failed attempt is repaired.
func (c *Client) EnsureSheet(ctx context.Context, title string, header []string) error {
	c.mu.Lock()
	exists, headed := c.titles[title], c.headed[title]
	c.mu.Unlock()
	if headed {
		return nil
	}

	if !exists {
		if err := c.addSheet(ctx, title); err != nil {
			return err
		}
	}

	ok, err := c.hasHeader(ctx, title)
	if err != nil {
		return fmt.Errorf("read header of %s: %w", title, err)
	}
	if !ok {
		if err := c.AppendRows(ctx, title, [][]string{header}); err != nil {
			return fmt.Errorf("write header to %s: %w", title, err)
		}
	}

	c.mu.Lock()
	c.headed[title] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) addSheet(ctx context.Context, title string) error {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{
					Title: title,
					GridProperties: &sheets.GridProperties{
						RowCount:    newSheetRows,
						ColumnCount: newSheetColumns,
					},
				},
			},
		}},
	}
	_, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do()
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("add sheet %s: %w", title, err)
	}
	if err == nil {
		slog.Info("worksheet created", "sheet", title)
	}
	c.mu.Lock()
	c.titles[title] = true
	c.mu.Unlock()
	return nil
}

// hasHeader reports whether the first cell of the worksheet is filled.
func (c *Client) hasHeader(ctx context.Context, title string) (bool, error) {
	vr, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, title+"!A1:A1").Context(ctx).Do()
	if err != nil {
		return false, err
	}
	return len(vr.Values) > 0 && len(vr.Values[0]) > 0 && fmt.Sprint(vr.Values[0][0]) != "", nil
}

// AppendRows appends rows after the last row of the worksheet.
func (c *Client) AppendRows(ctx context.Context, title string, rows [][]string) error {
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = make([]interface{}, len(row))
		for j, v := range row {
			values[i][j] = v
		}
	}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, title+"!A1", &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append %d rows to %s: %w", len(rows), title, err)
	}
	return nil
}

// IsRateLimited reports whether err is a quota or rate-limit rejection.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests {
			return true
		}
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "Quota exceeded") || strings.Contains(msg, "RATE_LIMIT_EXCEEDED")
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest && strings.Contains(gerr.Message, "already exists")
}
