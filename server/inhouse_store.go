package server

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	laneGridColumns = 5 // one column per lane
)

// ValueStore is a range-addressable table of string cells.
type ValueStore interface {
	Get(ctx context.Context, rng string) ([][]string, error)
	Update(ctx context.Context, rng string, values [][]string) error
}

// RosterStore translates between store rows and typed lists and grids. Every
// write has a fixed shape so ranges never drift.
type RosterStore struct {
	values  ValueStore
	ranges  *RangeConfig
	logger  *zap.Logger
	metrics Metrics
}

func NewRosterStore(logger *zap.Logger, metrics Metrics, values ValueStore, ranges *RangeConfig) *RosterStore {
	return &RosterStore{
		values:  values,
		ranges:  ranges,
		logger:  logger.With(zap.String("component", "roster_store")),
		metrics: metrics,
	}
}

func (s *RosterStore) fail(op, rng string, err error) error {
	s.metrics.CustomCounter("roster_store_error", map[string]string{"op": op}, 1)
	return NewStoreError(op, rng, err)
}

func cell(row []string, c int) string {
	if c < len(row) {
		return strings.TrimSpace(row[c])
	}
	return ""
}

// ReadList returns up to n non-blank cells from the first column, in order.
func (s *RosterStore) ReadList(ctx context.Context, rng string, n int) ([]string, error) {
	rows, err := s.values.Get(ctx, rng)
	if err != nil {
		return nil, s.fail("read_list", rng, err)
	}
	if len(rows) > n {
		rows = rows[:n]
	}
	list := lo.FilterMap(rows, func(row []string, _ int) (string, bool) {
		v := cell(row, 0)
		return v, v != ""
	})
	return list, nil
}

// WriteList writes exactly n rows, padding with blanks and truncating extras.
func (s *RosterStore) WriteList(ctx context.Context, rng string, list []string, n int) error {
	rows := make([][]string, n)
	for i := range rows {
		v := ""
		if i < len(list) {
			v = list[i]
		}
		rows[i] = []string{v}
	}
	if err := s.values.Update(ctx, rng, rows); err != nil {
		return s.fail("write_list", rng, err)
	}
	return nil
}

// ReadGrid returns a rows x cols block with trimmed cells.
func (s *RosterStore) ReadGrid(ctx context.Context, rng string, rows, cols int) ([][]string, error) {
	values, err := s.values.Get(ctx, rng)
	if err != nil {
		return nil, s.fail("read_grid", rng, err)
	}
	grid := make([][]string, rows)
	for r := range grid {
		grid[r] = make([]string, cols)
		if r >= len(values) {
			continue
		}
		for c := range grid[r] {
			grid[r][c] = cell(values[r], c)
		}
	}
	return grid, nil
}

func shapeGrid(grid [][]string, rows, cols int) [][]string {
	values := make([][]string, rows)
	for r := range values {
		values[r] = make([]string, cols)
		if r >= len(grid) {
			continue
		}
		for c := range values[r] {
			if c < len(grid[r]) {
				values[r][c] = grid[r][c]
			}
		}
	}
	return values
}

// WriteGrid writes exactly rows x cols cells.
func (s *RosterStore) WriteGrid(ctx context.Context, rng string, grid [][]string, rows, cols int) error {
	if err := s.values.Update(ctx, rng, shapeGrid(grid, rows, cols)); err != nil {
		return s.fail("write_grid", rng, err)
	}
	return nil
}

func (s *RosterStore) ClearRange(ctx context.Context, rng string, rows, cols int) error {
	if err := s.values.Update(ctx, rng, shapeGrid(nil, rows, cols)); err != nil {
		return s.fail("clear_range", rng, err)
	}
	return nil
}

func (s *RosterStore) ReadMarker(ctx context.Context, rng string) (string, bool, error) {
	rows, err := s.values.Get(ctx, rng)
	if err != nil {
		return "", false, s.fail("read_marker", rng, err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	v := cell(rows[0], 0)
	return v, v != "", nil
}

func (s *RosterStore) WriteMarker(ctx context.Context, rng, value string) error {
	if err := s.values.Update(ctx, rng, [][]string{{value}}); err != nil {
		return s.fail("write_marker", rng, err)
	}
	return nil
}

func (s *RosterStore) participantsRange(mode RosterMode) string {
	if mode == ModeTwenty {
		return s.ranges.TwentyParticipants
	}
	return s.ranges.TenParticipants
}

func (s *RosterStore) lanesRange(mode RosterMode) string {
	if mode == ModeTwenty {
		return s.ranges.TwentyLanes
	}
	return s.ranges.TenLanes
}

func (s *RosterStore) ReadParticipants(ctx context.Context, mode RosterMode) ([]string, error) {
	return s.ReadList(ctx, s.participantsRange(mode), mode.Capacity())
}

func (s *RosterStore) WriteParticipants(ctx context.Context, mode RosterMode, list []string) error {
	return s.WriteList(ctx, s.participantsRange(mode), list, mode.Capacity())
}

func (s *RosterStore) ReadLanes(ctx context.Context, mode RosterMode) (*LaneGrid, error) {
	rows, err := s.ReadGrid(ctx, s.lanesRange(mode), mode.LaneCapacity(), laneGridColumns)
	if err != nil {
		return nil, err
	}
	return LaneGridFromRows(rows, mode.LaneCapacity()), nil
}

func (s *RosterStore) WriteLanes(ctx context.Context, mode RosterMode, grid *LaneGrid) error {
	var rows [][]string
	if grid != nil {
		rows = grid.Rows()
	}
	return s.WriteGrid(ctx, s.lanesRange(mode), rows, mode.LaneCapacity(), laneGridColumns)
}

// ClearDaily blanks both lane grids and both participant lists. It stops at the
// first failure; later ranges are left as they were.
func (s *RosterStore) ClearDaily(ctx context.Context) error {
	steps := []struct {
		rng        string
		rows, cols int
	}{
		{s.ranges.TenLanes, ModeTen.LaneCapacity(), laneGridColumns},
		{s.ranges.TwentyLanes, ModeTwenty.LaneCapacity(), laneGridColumns},
		{s.ranges.TenParticipants, ModeTen.Capacity(), 1},
		{s.ranges.TwentyParticipants, ModeTwenty.Capacity(), 1},
	}
	for _, step := range steps {
		if err := s.ClearRange(ctx, step.rng, step.rows, step.cols); err != nil {
			return err
		}
	}
	return nil
}

func (s *RosterStore) ReadLastManualRecruit(ctx context.Context) (string, bool, error) {
	return s.ReadMarker(ctx, s.ranges.LastManualRecruit)
}

func (s *RosterStore) WriteLastManualRecruit(ctx context.Context, date string) error {
	return s.WriteMarker(ctx, s.ranges.LastManualRecruit, date)
}
