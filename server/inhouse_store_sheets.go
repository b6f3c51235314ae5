package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var _ = ValueStore(&SheetsValueStore{})

// SheetsValueStore reads and writes ranges of a single spreadsheet. Calls are
// rate limited client side to stay inside the Sheets quota.
type SheetsValueStore struct {
	logger        *zap.Logger
	service       *sheets.Service
	spreadsheetID string
	limiter       *rate.Limiter
	timeout       time.Duration
}

func sheetsCredentials(ctx context.Context, config *SheetsConfig) (*google.Credentials, error) {
	data := []byte(config.CredentialsJSON)
	if len(data) == 0 {
		var err error
		if data, err = os.ReadFile(config.CredentialsFile); err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
	}
	creds, err := google.CredentialsFromJSON(ctx, data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return creds, nil
}

func NewSheetsValueStore(ctx context.Context, logger *zap.Logger, config *SheetsConfig) (*SheetsValueStore, error) {
	if config.SpreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	creds, err := sheetsCredentials(ctx, config)
	if err != nil {
		return nil, err
	}
	service, err := sheets.NewService(ctx, option.WithTokenSource(creds.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &SheetsValueStore{
		logger:        logger.With(zap.String("component", "sheets")),
		service:       service,
		spreadsheetID: config.SpreadsheetID,
		limiter:       rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst),
		timeout:       time.Duration(config.TimeoutSec) * time.Second,
	}, nil
}

func (s *SheetsValueStore) Get(ctx context.Context, rng string) ([][]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	rows := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		rows[i] = make([]string, len(row))
		for j, v := range row {
			rows[i][j] = fmt.Sprint(v)
		}
	}
	s.logger.Debug("Read range", zap.String("range", rng), zap.Int("rows", len(rows)))
	return rows, nil
}

func (s *SheetsValueStore) Update(ctx context.Context, rng string, values [][]string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cells := make([][]interface{}, len(values))
	for i, row := range values {
		cells[i] = make([]interface{}, len(row))
		for j, v := range row {
			cells[i][j] = v
		}
	}
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, rng, &sheets.ValueRange{Values: cells}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return err
	}
	s.logger.Debug("Wrote range", zap.String("range", rng), zap.Int("rows", len(values)))
	return nil
}
