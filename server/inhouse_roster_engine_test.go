package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testChannelID = "100000000000000001"

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) // 18:30 in Seoul

func newTestEngine(t *testing.T, logger *zap.Logger, configure func(c *RosterConfig)) (*RosterEngine, *MemoryValueStore) {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	config := NewRosterConfig()
	if configure != nil {
		configure(config)
	}
	location, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	values := NewMemoryValueStore()
	store := NewRosterStore(logger, NoopMetrics{}, values, NewRangeConfig())
	engine := NewRosterEngine(logger, NoopMetrics{}, NewStoreGate(NoopMetrics{}), store, config, location)
	engine.now = func() time.Time { return testNow }
	t.Cleanup(engine.WaitSyncs)
	return engine, values
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d", prefix, i+1)
	}
	return out
}

func joinAll(t *testing.T, e *RosterEngine, actors ...string) []RosterResult {
	t.Helper()
	results := make([]RosterResult, 0, len(actors))
	for _, a := range actors {
		outcome, err := e.Join(context.Background(), testChannelID, a, LaneNone)
		require.NoError(t, err)
		results = append(results, outcome.Result)
	}
	return results
}

func column(rows [][]string) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row[0])
	}
	return out
}

func TestRosterEngine_JoinFillsThenWaitlists(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	results := joinAll(t, e, ids("u", 12)...)
	for i := 0; i < 10; i++ {
		assert.Equal(t, ResultJoined, results[i], "join %d", i)
	}
	assert.Equal(t, []RosterResult{ResultWaitlisted, ResultWaitlisted}, results[10:])

	s := e.Snapshot(testChannelID)
	assert.Equal(t, ids("u", 10), s.Participants)
	assert.Equal(t, []string{"u11", "u12"}, s.Waitlist)
	require.NoError(t, s.CheckInvariants())
}

func TestRosterEngine_JoinIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	joinAll(t, e, "a")
	before := e.Snapshot(testChannelID)

	outcome, err := e.Join(context.Background(), testChannelID, "a", LaneNone)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyJoined, outcome.Result)
	assert.False(t, outcome.Changed)
	assert.Nil(t, outcome.Sync)
	assert.True(t, outcome.Result.IsRejection())

	after := e.Snapshot(testChannelID)
	assert.Equal(t, before.Participants, after.Participants)
	assert.Equal(t, before.Waitlist, after.Waitlist)
}

func TestRosterEngine_CancelPromotesHeadOfWaitlist(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	joinAll(t, e, ids("p", 10)...)
	joinAll(t, e, "A", "B", "C")

	outcome, err := e.Cancel(context.Background(), testChannelID, "p04")
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, outcome.Result)
	assert.Equal(t, "A", outcome.Promoted)

	s := e.Snapshot(testChannelID)
	assert.Len(t, s.Participants, 10)
	assert.Equal(t, "A", s.Participants[9])
	assert.Equal(t, []string{"B", "C"}, s.Waitlist)

	outcome, err = e.Cancel(context.Background(), testChannelID, "B")
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, outcome.Result)
	assert.Empty(t, outcome.Promoted)
	assert.Equal(t, []string{"C"}, e.Snapshot(testChannelID).Waitlist)

	outcome, err = e.Cancel(context.Background(), testChannelID, "nobody")
	require.NoError(t, err)
	assert.Equal(t, ResultNotFound, outcome.Result)
}

func TestRosterEngine_ModeRoundTrip(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	ctx := context.Background()
	ranges := NewRangeConfig()

	all := ids("m", 12)
	joinAll(t, e, all...)
	e.WaitSyncs()

	outcome, err := e.SwitchMode(ctx, testChannelID, ModeTwenty)
	require.NoError(t, err)
	assert.Equal(t, ResultModeSwitched, outcome.Result)
	assert.Equal(t, "20모드로 전환되었습니다!", outcome.Message())
	require.NoError(t, outcome.Sync.Wait(ctx))

	s := e.Snapshot(testChannelID)
	assert.Equal(t, ModeTwenty, s.Mode)
	assert.Equal(t, all, s.Participants)
	assert.Empty(t, s.Waitlist)
	assert.Equal(t, ModeTwenty.LaneCapacity(), s.Lanes.Capacity())
	assert.Equal(t, make([]string, 10), column(values.Rows(ranges.TenParticipants)))
	assert.Equal(t, all, column(values.Rows(ranges.TwentyParticipants))[:12])

	outcome, err = e.SwitchMode(ctx, testChannelID, ModeTwenty)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyInMode, outcome.Result)
	assert.Equal(t, "이미 20모드입니다.", outcome.Message())

	outcome, err = e.SwitchMode(ctx, testChannelID, ModeTen)
	require.NoError(t, err)
	assert.Equal(t, ResultModeSwitched, outcome.Result)

	s = e.Snapshot(testChannelID)
	assert.Equal(t, ModeTen, s.Mode)
	assert.Equal(t, all[:10], s.Participants)
	assert.Equal(t, all[10:], s.Waitlist)
	assert.Equal(t, all[:10], column(values.Rows(ranges.TenParticipants)))
	assert.Equal(t, make([]string, 20), column(values.Rows(ranges.TwentyParticipants)))
	require.NoError(t, s.CheckInvariants())
}

func TestRosterEngine_LaneCapacity(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()

	for _, a := range []string{"t1", "t2"} {
		outcome, err := e.Join(ctx, testChannelID, a, LaneTop)
		require.NoError(t, err)
		assert.Equal(t, ResultJoined, outcome.Result)
		assert.Equal(t, LaneTop, outcome.Lane)
	}

	outcome, err := e.Join(ctx, testChannelID, "t3", LaneTop)
	require.NoError(t, err)
	assert.Equal(t, ResultLaneFull, outcome.Result)
	assert.False(t, outcome.Changed)

	s := e.Snapshot(testChannelID)
	assert.Equal(t, []string{"t1", "t2"}, s.Participants)
	assert.Equal(t, []string{"t1", "t2"}, s.Lanes.Slots(LaneTop))
	assert.False(t, s.IsParticipant("t3"))
}

func TestRosterEngine_ChangeLane(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()
	joinAll(t, e, ids("p", 10)...)
	joinAll(t, e, "w1")

	tests := []struct {
		name   string
		actor  string
		lane   Lane
		result RosterResult
	}{
		{"pick mid", "p01", LaneMid, ResultLaneChanged},
		{"same lane", "p01", LaneMid, ResultNoChange},
		{"second mid", "p02", LaneMid, ResultLaneChanged},
		{"mid full", "p03", LaneMid, ResultLaneFull},
		{"move to top", "p01", LaneTop, ResultLaneChanged},
		{"mid freed", "p03", LaneMid, ResultLaneChanged},
		{"clear lane", "p01", LaneNone, ResultLaneCleared},
		{"clear again", "p01", LaneNone, ResultNoChange},
		{"waitlisted", "w1", LaneTop, ResultNotParticipant},
		{"unknown", "zz", LaneTop, ResultNotParticipant},
	}
	for _, tt := range tests {
		outcome, err := e.ChangeLane(ctx, testChannelID, tt.actor, tt.lane)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.result, outcome.Result, tt.name)
	}

	s := e.Snapshot(testChannelID)
	assert.Equal(t, []string{"p02", "p03"}, s.Lanes.Slots(LaneMid))
	assert.Equal(t, []string{"", ""}, s.Lanes.Slots(LaneTop))
	require.NoError(t, s.CheckInvariants())
}

func TestRosterEngine_TwentyOverflow(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		e, _ := newTestEngine(t, nil, nil)
		_, err := e.SwitchMode(context.Background(), testChannelID, ModeTwenty)
		require.NoError(t, err)

		results := joinAll(t, e, ids("x", 21)...)
		assert.Equal(t, ResultJoined, results[19])
		assert.Equal(t, ResultTwentyFull, results[20])
		assert.Empty(t, e.Snapshot(testChannelID).Waitlist)
	})

	t.Run("waitlist", func(t *testing.T) {
		e, _ := newTestEngine(t, nil, func(c *RosterConfig) { c.TwentyOverflow = TwentyOverflowWaitlist })
		_, err := e.SwitchMode(context.Background(), testChannelID, ModeTwenty)
		require.NoError(t, err)

		results := joinAll(t, e, ids("x", 21)...)
		assert.Equal(t, ResultWaitlisted, results[20])

		outcome, err := e.Cancel(context.Background(), testChannelID, "x01")
		require.NoError(t, err)
		assert.Equal(t, "x21", outcome.Promoted)
	})
}

func TestRosterEngine_LastSlotIsNotDoubleBooked(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	values.Set(NewRangeConfig().TenParticipants, [][]string{
		{"s01"}, {"s02"}, {"s03"}, {"s04"}, {"s05"}, {"s06"}, {"s07"}, {"s08"}, {"s09"},
	})

	var wg sync.WaitGroup
	results := make([]RosterResult, 2)
	for i, actor := range []string{"late1", "late2"} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			outcome, err := e.Join(context.Background(), testChannelID, actor, LaneNone)
			assert.NoError(t, err)
			results[i] = outcome.Result
		}(i, actor)
	}
	wg.Wait()

	assert.ElementsMatch(t, []RosterResult{ResultJoined, ResultWaitlisted}, results)
	s := e.Snapshot(testChannelID)
	assert.Len(t, s.Participants, 10)
	assert.Len(t, s.Waitlist, 1)
	require.NoError(t, s.CheckInvariants())
}

func TestRosterEngine_RandomJoinCancelKeepsInvariants(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))
	pool := ids("r", 16)

	for i := 0; i < 400; i++ {
		actor := pool[r.Intn(len(pool))]
		var err error
		switch r.Intn(3) {
		case 0:
			_, err = e.Join(ctx, testChannelID, actor, Lanes[r.Intn(len(Lanes))])
		case 1:
			_, err = e.Join(ctx, testChannelID, actor, LaneNone)
		default:
			_, err = e.Cancel(ctx, testChannelID, actor)
		}
		require.NoError(t, err)
		require.NoError(t, e.Snapshot(testChannelID).CheckInvariants(), "step %d", i)
	}
}

func TestRosterEngine_SyncWritesLatestState(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	ctx := context.Background()
	ranges := NewRangeConfig()

	outcome, err := e.Join(ctx, testChannelID, "a", LaneJungle)
	require.NoError(t, err)
	require.NoError(t, outcome.Sync.Wait(ctx))

	want := [][]string{{"a"}, {""}, {""}, {""}, {""}, {""}, {""}, {""}, {""}, {""}}
	if diff := cmp.Diff(want, values.Rows(ranges.TenParticipants)); diff != "" {
		t.Errorf("participants mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, [][]string{{"", "a", "", "", ""}, {"", "", "", "", ""}}, values.Rows(ranges.TenLanes))
}

func TestRosterEngine_StoreFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e, values := newTestEngine(t, zap.New(core), nil)
	ctx := context.Background()

	_, err := e.Join(ctx, testChannelID, "first", LaneNone)
	require.NoError(t, err)
	e.WaitSyncs()

	values.FailWith = func(op, rng string) error {
		if op == "update" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	outcome, err := e.Join(ctx, testChannelID, "second", LaneNone)
	require.NoError(t, err)
	assert.Equal(t, ResultJoined, outcome.Result)

	syncErr := outcome.Sync.Wait(ctx)
	var storeErr *StoreError
	require.ErrorAs(t, syncErr, &storeErr)
	assert.Equal(t, "write_list", storeErr.Op)

	assert.Equal(t, []string{"first", "second"}, e.Snapshot(testChannelID).Participants)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Failed to persist roster").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRosterEngine_LoadFailureIsReturned(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	values.FailWith = func(op, rng string) error { return errors.New("offline") }

	_, err := e.Join(context.Background(), testChannelID, "a", LaneNone)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Empty(t, e.Snapshot(testChannelID).Participants)
}

func TestRosterEngine_LoadsFromStoreOnFirstUse(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	ranges := NewRangeConfig()
	values.Set(ranges.TenParticipants, [][]string{{"old1"}, {" "}, {"old2"}})
	values.Set(ranges.TenLanes, [][]string{{"old2", "ghost"}})

	joinAll(t, e, "new1")

	s := e.Snapshot(testChannelID)
	assert.Equal(t, []string{"old1", "old2", "new1"}, s.Participants)
	assert.Equal(t, []string{"old2", ""}, s.Lanes.Slots(LaneTop))
	assert.Equal(t, []string{"", ""}, s.Lanes.Slots(LaneJungle), "lane holders must be participants")
}

func TestRosterEngine_Reset(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	ctx := context.Background()
	ranges := NewRangeConfig()
	joinAll(t, e, ids("p", 11)...)
	e.WaitSyncs()

	outcome, err := e.Reset(ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, ResultReset, outcome.Result)
	require.NoError(t, outcome.Sync.Wait(ctx))

	s := e.Snapshot(testChannelID)
	assert.Empty(t, s.Participants)
	assert.Empty(t, s.Waitlist)
	assert.Equal(t, make([]string, 10), column(values.Rows(ranges.TenParticipants)))
	assert.Len(t, values.Rows(ranges.TwentyLanes), ModeTwenty.LaneCapacity())
}

func TestRosterEngine_DailyAutoRecruit(t *testing.T) {
	t.Run("suppressed after manual recruit", func(t *testing.T) {
		e, values := newTestEngine(t, nil, nil)
		ctx := context.Background()
		joinAll(t, e, "stay")
		e.WaitSyncs()
		values.Set(NewRangeConfig().LastManualRecruit, [][]string{{"2024-05-01"}})
		_, updatesBefore := values.Calls()

		outcome, err := e.DailyAutoRecruit(ctx, testChannelID)
		require.NoError(t, err)
		assert.Equal(t, ResultSkipped, outcome.Result)
		assert.False(t, outcome.Changed)
		assert.Equal(t, []string{"stay"}, e.Snapshot(testChannelID).Participants)

		_, updatesAfter := values.Calls()
		assert.Equal(t, updatesBefore, updatesAfter)
	})

	t.Run("publishes a fresh ten cycle", func(t *testing.T) {
		e, values := newTestEngine(t, nil, nil)
		ctx := context.Background()
		values.Set(NewRangeConfig().LastManualRecruit, [][]string{{"2024-04-30"}})
		joinAll(t, e, "gone")
		_, err := e.SwitchMode(ctx, testChannelID, ModeTwenty)
		require.NoError(t, err)

		outcome, err := e.DailyAutoRecruit(ctx, testChannelID)
		require.NoError(t, err)
		assert.Equal(t, ResultPublish, outcome.Result)

		s := e.Snapshot(testChannelID)
		assert.Equal(t, ModeTen, s.Mode)
		assert.Empty(t, s.Participants)
		assert.Empty(t, s.Header)
		assert.Equal(t, ModeTen.LaneCapacity(), s.Lanes.Capacity())
	})

	t.Run("falls back to cached marker", func(t *testing.T) {
		e, values := newTestEngine(t, nil, nil)
		ctx := context.Background()
		hour := 9
		_, err := e.Recruit(ctx, testChannelID, &hour)
		require.NoError(t, err)

		values.FailWith = func(op, rng string) error { return errors.New("offline") }
		outcome, err := e.DailyAutoRecruit(ctx, testChannelID)
		require.NoError(t, err)
		assert.Equal(t, ResultSkipped, outcome.Result)
	})
}

func TestRosterEngine_Recruit(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	ctx := context.Background()
	ranges := NewRangeConfig()

	_, err := e.Join(ctx, testChannelID, "a", LaneMid)
	require.NoError(t, err)
	e.WaitSyncs()
	values.Set(ranges.TenParticipants, [][]string{{"a"}, {"b"}})

	hour := 12
	outcome, err := e.Recruit(ctx, testChannelID, &hour)
	require.NoError(t, err)
	assert.Equal(t, ResultPublish, outcome.Result)
	require.NoError(t, outcome.Sync.Wait(ctx))

	s := e.Snapshot(testChannelID)
	assert.Equal(t, []string{"a", "b"}, s.Participants)
	assert.Equal(t, RecruitHeader(12), s.Header)
	assert.Empty(t, s.Lanes.IDs())
	assert.Equal(t, [][]string{{"2024-05-01"}}, values.Rows(ranges.LastManualRecruit))
	assert.Equal(t, "2024-05-01", e.Today())

	_, err = e.Recruit(ctx, testChannelID, nil)
	require.NoError(t, err)
	assert.Empty(t, e.Snapshot(testChannelID).Header)
}

func TestRosterEngine_SetActiveMessage(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	assert.Empty(t, e.SetActiveMessage(testChannelID, "m1"))
	assert.Equal(t, "m1", e.SetActiveMessage(testChannelID, "m2"))
	assert.Equal(t, "m2", e.Snapshot(testChannelID).ActiveMessageID)
}

func TestRosterEngine_RecruitLoadFailureKeepsStoredRoster(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	ctx := context.Background()
	ranges := NewRangeConfig()
	values.Set(ranges.TenParticipants, [][]string{{"a"}, {"b"}, {"c"}})

	failed := false
	values.FailWith = func(op, rng string) error {
		if op == "get" && !failed {
			failed = true
			return errors.New("offline")
		}
		return nil
	}
	_, err := e.Recruit(ctx, testChannelID, nil)
	require.NoError(t, err)
	require.True(t, failed)

	joinAll(t, e, "z")
	e.WaitSyncs()

	assert.Equal(t, []string{"a", "b", "c", "z"}, e.Snapshot(testChannelID).Participants)
	assert.Equal(t, []string{"a", "b", "c", "z", "", "", "", "", "", ""}, column(values.Rows(ranges.TenParticipants)))
}

func TestRosterEngine_ResyncKeepsUnsyncedChanges(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	ctx := context.Background()
	ranges := NewRangeConfig()

	joinAll(t, e, "a")
	e.WaitSyncs()

	values.FailWith = func(op, rng string) error {
		if op == "update" {
			return errors.New("quota")
		}
		return nil
	}
	outcome, err := e.Join(ctx, testChannelID, "b", LaneNone)
	require.NoError(t, err)
	assert.Equal(t, ResultJoined, outcome.Result)
	require.Error(t, outcome.Sync.Wait(ctx))
	e.WaitSyncs()

	s, err := e.Resync(ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Participants, "memory stays ahead of a store that rejected the write")

	values.FailWith = nil
	joinAll(t, e, "c")
	e.WaitSyncs()
	assert.Equal(t, []string{"a", "b", "c"}, column(values.Rows(ranges.TenParticipants))[:3])

	values.Set(ranges.TenParticipants, [][]string{{"x"}})
	s, err = e.Resync(ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, s.Participants, "the store is read again once it has caught up")
}

func TestRosterEngine_SwitchToTenKeepsUnsyncedChanges(t *testing.T) {
	e, values := newTestEngine(t, nil, nil)
	ctx := context.Background()

	_, err := e.SwitchMode(ctx, testChannelID, ModeTwenty)
	require.NoError(t, err)
	joinAll(t, e, "a")
	e.WaitSyncs()

	values.FailWith = func(op, rng string) error {
		if op == "update" {
			return errors.New("quota")
		}
		return nil
	}
	joinAll(t, e, "b")
	e.WaitSyncs()
	values.FailWith = nil

	outcome, err := e.SwitchMode(ctx, testChannelID, ModeTen)
	require.NoError(t, err)
	require.NoError(t, outcome.Sync.Wait(ctx))
	assert.Equal(t, []string{"a", "b"}, e.Snapshot(testChannelID).Participants)
}
