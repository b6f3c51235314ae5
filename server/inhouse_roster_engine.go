package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type RosterResult int

const (
	ResultJoined RosterResult = iota
	ResultWaitlisted
	ResultLaneFull
	ResultAlreadyJoined
	ResultTwentyFull
	ResultCancelled
	ResultNotFound
	ResultNotParticipant
	ResultNoChange
	ResultLaneChanged
	ResultLaneCleared
	ResultModeSwitched
	ResultAlreadyInMode
	ResultReset
	ResultSkipped
	ResultPublish
)

var rosterResultNames = map[RosterResult]string{
	ResultJoined:         "joined",
	ResultWaitlisted:     "waitlisted",
	ResultLaneFull:       "lane_full",
	ResultAlreadyJoined:  "already_joined",
	ResultTwentyFull:     "twenty_full",
	ResultCancelled:      "cancelled",
	ResultNotFound:       "not_found",
	ResultNotParticipant: "not_participant",
	ResultNoChange:       "no_change",
	ResultLaneChanged:    "lane_changed",
	ResultLaneCleared:    "lane_cleared",
	ResultModeSwitched:   "mode_switched",
	ResultAlreadyInMode:  "already_in_mode",
	ResultReset:          "reset",
	ResultSkipped:        "skipped",
	ResultPublish:        "publish",
}

func (r RosterResult) String() string {
	if name, ok := rosterResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// IsRejection reports whether the result is a business rule refusal that left
// the roster unchanged.
func (r RosterResult) IsRejection() bool {
	switch r {
	case ResultLaneFull, ResultAlreadyJoined, ResultTwentyFull, ResultNotFound,
		ResultNotParticipant, ResultNoChange, ResultAlreadyInMode:
		return true
	}
	return false
}

// SyncResult is the outcome of persisting a roster change. It completes
// independently of the action that caused it.
type SyncResult struct {
	done chan struct{}
	err  error
}

func newSyncResult() *SyncResult {
	return &SyncResult{done: make(chan struct{})}
}

func resolvedSyncResult(err error) *SyncResult {
	r := newSyncResult()
	r.complete(err)
	return r
}

func (r *SyncResult) complete(err error) {
	r.err = err
	close(r.done)
}

func (r *SyncResult) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the sync finished or ctx is done. A nil SyncResult means
// nothing was written.
func (r *SyncResult) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RosterOutcome describes what a transition did.
type RosterOutcome struct {
	Result   RosterResult
	Mode     RosterMode
	Lane     Lane
	Promoted string
	// Changed is set when the roster differs from before and the signup
	// message needs a re-render.
	Changed bool
	Sync    *SyncResult
}

// Message is the reply shown to the acting user.
func (o RosterOutcome) Message() string {
	switch o.Result {
	case ResultJoined:
		if o.Lane != "" && o.Lane != LaneNone {
			return fmt.Sprintf("참가 완료! (%s)", o.Lane.Label())
		}
		return "참가 완료!"
	case ResultWaitlisted:
		return "정원 초과로 대기자로 등록되었습니다."
	case ResultLaneFull:
		return fmt.Sprintf("%s 자리가 가득 찼습니다. 다른 라인을 선택해주세요.", o.Lane.Label())
	case ResultAlreadyJoined:
		return "이미 신청한 상태입니다."
	case ResultTwentyFull:
		return "20명 정원이 가득 찼습니다."
	case ResultCancelled:
		return "신청이 취소되었습니다!"
	case ResultNotFound:
		return "신청 기록이 없습니다."
	case ResultNotParticipant:
		return "참가자만 라인을 선택할 수 있습니다."
	case ResultNoChange:
		return "변경된 내용이 없습니다."
	case ResultLaneChanged:
		return fmt.Sprintf("라인이 %s(으)로 변경되었습니다.", o.Lane.Label())
	case ResultLaneCleared:
		return "라인 선택이 해제되었습니다."
	case ResultModeSwitched:
		return fmt.Sprintf("%s모드로 전환되었습니다!", o.Mode)
	case ResultAlreadyInMode:
		return fmt.Sprintf("이미 %s모드입니다.", o.Mode)
	case ResultReset:
		return "현재 참가자/대기자 및 구글 시트 명단을 모두 초기화했습니다."
	}
	return ""
}

// RosterEngine applies roster transitions. Every transition runs with the store
// gate held; persistence of ordinary joins and cancels happens afterwards in
// the background and always writes the latest state.
type RosterEngine struct {
	logger   *zap.Logger
	metrics  Metrics
	gate     *StoreGate
	store    *RosterStore
	repo     *RosterRepository
	config   *RosterConfig
	location *time.Location
	now      func() time.Time

	lastManualRecruit *atomic.String
	pendingSyncs      *atomic.Int64
	syncs             sync.WaitGroup
}

func NewRosterEngine(logger *zap.Logger, metrics Metrics, gate *StoreGate, store *RosterStore, config *RosterConfig, location *time.Location) *RosterEngine {
	if location == nil {
		location = time.Local
	}
	return &RosterEngine{
		logger:   logger.With(zap.String("component", "roster_engine")),
		metrics:  metrics,
		gate:     gate,
		store:    store,
		repo:     NewRosterRepository(config.LanesEnabled),
		config:   config,
		location: location,
		now:      time.Now,

		lastManualRecruit: atomic.NewString(""),
		pendingSyncs:      atomic.NewInt64(0),
	}
}

// Today is the current calendar date in the deployment time zone.
func (e *RosterEngine) Today() string {
	return e.now().In(e.location).Format(time.DateOnly)
}

func (e *RosterEngine) Snapshot(channelID string) *RosterState {
	return e.repo.Snapshot(channelID)
}

// SetActiveMessage records the signup message currently shown in the channel
// and returns the one it replaces.
func (e *RosterEngine) SetActiveMessage(channelID, messageID string) (previous string) {
	e.repo.Update(channelID, func(s *RosterState) {
		previous = s.ActiveMessageID
		s.ActiveMessageID = messageID
	})
	return previous
}

// WaitSyncs blocks until background persistence has drained.
func (e *RosterEngine) WaitSyncs() {
	e.syncs.Wait()
}

func (e *RosterEngine) overflowWaitlists(mode RosterMode) bool {
	return mode == ModeTen || e.config.TwentyOverflow == TwentyOverflowWaitlist
}

func (e *RosterEngine) record(op string, outcome RosterOutcome, start time.Time) {
	tags := map[string]string{"op": op, "result": outcome.Result.String()}
	e.metrics.CustomCounter("roster_transition", tags, 1)
	e.metrics.CustomTimer("roster_transition", map[string]string{"op": op}, time.Since(start))
}

// applyLoaded replaces the participant list with one read from the store and
// restores the invariants around it.
func applyLoaded(s *RosterState, list []string, grid *LaneGrid) {
	list = lo.Uniq(list)
	if len(list) > s.Capacity() {
		list = list[:s.Capacity()]
	}
	s.Participants = list
	s.Waitlist = lo.Filter(s.Waitlist, func(id string, _ int) bool {
		return !s.IsParticipant(id)
	})
	if s.Lanes != nil {
		if grid != nil && grid.Capacity() == s.Mode.LaneCapacity() {
			s.Lanes = grid
		}
		s.Lanes.Retain(s.IsParticipant)
	}
}

// readLocked reads the mode's participant list and lane grid. The gate must be
// held.
func (e *RosterEngine) readLocked(ctx context.Context, mode RosterMode) ([]string, *LaneGrid, error) {
	list, err := e.store.ReadParticipants(ctx, mode)
	if err != nil {
		return nil, nil, err
	}
	if !e.repo.LanesEnabled() {
		return list, nil, nil
	}
	grid, err := e.store.ReadLanes(ctx, mode)
	if err != nil {
		return nil, nil, err
	}
	return list, grid, nil
}

func (e *RosterEngine) ensureLoadedLocked(ctx context.Context, channelID string) error {
	if e.repo.Loaded(channelID) {
		return nil
	}
	mode := e.repo.Snapshot(channelID).Mode
	list, grid, err := e.readLocked(ctx, mode)
	if err != nil {
		return err
	}
	e.repo.Update(channelID, func(s *RosterState) {
		applyLoaded(s, list, grid)
		s.loaded = true
	})
	e.logger.Debug("Loaded roster", zap.String("channel_id", channelID), zap.Int("participants", len(list)))
	return nil
}

// resyncLocked reloads the roster from the store. It is skipped while the
// channel holds changes the store has not accepted yet.
func (e *RosterEngine) resyncLocked(ctx context.Context, channelID string) error {
	current := e.repo.Snapshot(channelID)
	if current.dirty {
		return e.ensureLoadedLocked(ctx, channelID)
	}
	list, grid, err := e.readLocked(ctx, current.Mode)
	if err != nil {
		return err
	}
	e.repo.Update(channelID, func(s *RosterState) {
		applyLoaded(s, list, grid)
		s.loaded = true
	})
	return nil
}

// persistLocked writes the mode's participant list and lane grid.
func (e *RosterEngine) persistLocked(ctx context.Context, s *RosterState) error {
	if err := e.store.WriteParticipants(ctx, s.Mode, s.Participants); err != nil {
		return err
	}
	if s.Lanes != nil {
		if err := e.store.WriteLanes(ctx, s.Mode, s.Lanes); err != nil {
			return err
		}
	}
	return nil
}

// markSyncedLocked records whether the store accepted the channel's latest
// state. The gate must be held.
func (e *RosterEngine) markSyncedLocked(channelID string, err error) {
	e.repo.Update(channelID, func(s *RosterState) {
		s.dirty = err != nil
	})
}

// syncAsync persists the channel's roster in the background.
func (e *RosterEngine) syncAsync(channelID string) *SyncResult {
	result := newSyncResult()
	e.metrics.CustomGauge("pending_syncs", nil, float64(e.pendingSyncs.Inc()))
	e.syncs.Add(1)
	go func() {
		defer e.syncs.Done()
		defer func() {
			e.metrics.CustomGauge("pending_syncs", nil, float64(e.pendingSyncs.Dec()))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.config.RemoteCallTimeout())
		defer cancel()

		err := e.gate.Do(ctx, func(ctx context.Context) error {
			err := e.persistLocked(ctx, e.repo.Snapshot(channelID))
			e.markSyncedLocked(channelID, err)
			return err
		})
		if err != nil {
			e.metrics.CustomCounter("roster_sync_error", nil, 1)
			e.logger.Warn("Failed to persist roster", zap.String("channel_id", channelID), zap.Error(err))
		}
		result.complete(err)
	}()
	return result
}

// mutate runs fn on the loaded roster with the gate held and schedules a
// background sync when fn changed something.
func (e *RosterEngine) mutate(ctx context.Context, channelID, op string, fn func(s *RosterState) RosterOutcome) (RosterOutcome, error) {
	start := time.Now()
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return RosterOutcome{}, err
	}
	defer release()

	if err := e.ensureLoadedLocked(ctx, channelID); err != nil {
		return RosterOutcome{}, err
	}

	var outcome RosterOutcome
	e.repo.Update(channelID, func(s *RosterState) {
		outcome = fn(s)
		outcome.Mode = s.Mode
		if outcome.Changed {
			s.dirty = true
		}
	})
	if outcome.Changed {
		outcome.Sync = e.syncAsync(channelID)
	}
	e.record(op, outcome, start)
	return outcome, nil
}

// Join adds actor to the roster, optionally into a lane.
func (e *RosterEngine) Join(ctx context.Context, channelID, actor string, lane Lane) (RosterOutcome, error) {
	return e.mutate(ctx, channelID, "join", func(s *RosterState) RosterOutcome {
		if s.IsParticipant(actor) || s.IsWaitlisted(actor) {
			return RosterOutcome{Result: ResultAlreadyJoined}
		}
		if s.Lanes == nil {
			lane = LaneNone
		}

		if len(s.Participants) < s.Capacity() {
			if lane != LaneNone {
				slot := s.Lanes.FreeSlot(lane)
				if slot < 0 {
					return RosterOutcome{Result: ResultLaneFull, Lane: lane}
				}
				s.Lanes.assign(lane, slot, actor)
			}
			s.Participants = append(s.Participants, actor)
			return RosterOutcome{Result: ResultJoined, Lane: lane, Changed: true}
		}

		if !e.overflowWaitlists(s.Mode) {
			return RosterOutcome{Result: ResultTwentyFull}
		}
		s.Waitlist = append(s.Waitlist, actor)
		return RosterOutcome{Result: ResultWaitlisted, Changed: true}
	})
}

// Cancel removes actor from the roster and promotes the head of the waitlist
// into the freed slot.
func (e *RosterEngine) Cancel(ctx context.Context, channelID, actor string) (RosterOutcome, error) {
	return e.mutate(ctx, channelID, "cancel", func(s *RosterState) RosterOutcome {
		wasParticipant := s.IsParticipant(actor)
		wasWaitlisted := s.IsWaitlisted(actor)
		if !wasParticipant && !wasWaitlisted {
			return RosterOutcome{Result: ResultNotFound}
		}

		s.Participants = slices.DeleteFunc(s.Participants, func(id string) bool { return id == actor })
		s.Waitlist = slices.DeleteFunc(s.Waitlist, func(id string) bool { return id == actor })
		if s.Lanes != nil {
			s.Lanes.Remove(actor)
		}

		outcome := RosterOutcome{Result: ResultCancelled, Changed: true}
		if wasParticipant && e.overflowWaitlists(s.Mode) && len(s.Waitlist) > 0 && len(s.Participants) < s.Capacity() {
			outcome.Promoted = s.Waitlist[0]
			s.Waitlist = s.Waitlist[1:]
			s.Participants = append(s.Participants, outcome.Promoted)
		}
		return outcome
	})
}

// ChangeLane moves a participant to another lane. LaneNone clears the
// participant's slot.
func (e *RosterEngine) ChangeLane(ctx context.Context, channelID, actor string, lane Lane) (RosterOutcome, error) {
	return e.mutate(ctx, channelID, "change_lane", func(s *RosterState) RosterOutcome {
		if !s.IsParticipant(actor) {
			return RosterOutcome{Result: ResultNotParticipant}
		}
		if s.Lanes == nil {
			return RosterOutcome{Result: ResultNoChange}
		}

		current, assigned := s.Lanes.Find(actor)
		if lane == LaneNone {
			if !assigned {
				return RosterOutcome{Result: ResultNoChange}
			}
			s.Lanes.Remove(actor)
			return RosterOutcome{Result: ResultLaneCleared, Changed: true}
		}
		if assigned && current == lane {
			return RosterOutcome{Result: ResultNoChange, Lane: lane}
		}

		slot := s.Lanes.FreeSlot(lane)
		if slot < 0 {
			return RosterOutcome{Result: ResultLaneFull, Lane: lane}
		}
		s.Lanes.Remove(actor)
		s.Lanes.assign(lane, slot, actor)
		return RosterOutcome{Result: ResultLaneChanged, Lane: lane, Changed: true}
	})
}

// runSteps executes store writes in order and stops at the first failure.
func runSteps(ctx context.Context, steps ...func(ctx context.Context) error) error {
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SwitchMode moves the roster between ten and twenty mode. Going up merges the
// waitlist into the participants; going down splits the first ten back out.
func (e *RosterEngine) SwitchMode(ctx context.Context, channelID string, target RosterMode) (RosterOutcome, error) {
	start := time.Now()
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return RosterOutcome{}, err
	}
	defer release()

	if err := e.ensureLoadedLocked(ctx, channelID); err != nil {
		return RosterOutcome{}, err
	}

	current := e.repo.Snapshot(channelID)
	if current.Mode == target {
		outcome := RosterOutcome{Result: ResultAlreadyInMode, Mode: target}
		e.record("switch_mode", outcome, start)
		return outcome, nil
	}

	roster := append(slices.Clone(current.Participants), current.Waitlist...)
	if target == ModeTen && !current.dirty {
		// The store is the authority for the twenty list unless memory holds
		// writes it has not accepted.
		if list, err := e.store.ReadParticipants(ctx, ModeTwenty); err != nil {
			e.logger.Warn("Failed to read twenty list, using memory", zap.String("channel_id", channelID), zap.Error(err))
		} else {
			roster = append(list, current.Waitlist...)
		}
	}
	roster = lo.Uniq(roster)

	var next *RosterState
	e.repo.Update(channelID, func(s *RosterState) {
		s.Mode = target
		s.Header = ""
		n := min(len(roster), target.Capacity())
		s.Participants = slices.Clone(roster[:n])
		s.Waitlist = []string{}
		if e.overflowWaitlists(target) {
			s.Waitlist = slices.Clone(roster[n:])
		}
		s.resetLanes()
		next = s.Clone()
	})

	steps := []func(ctx context.Context) error{
		func(ctx context.Context) error { return e.store.WriteParticipants(ctx, current.Mode, nil) },
		func(ctx context.Context) error { return e.store.WriteParticipants(ctx, target, next.Participants) },
	}
	if next.Lanes != nil {
		steps = append(steps,
			func(ctx context.Context) error { return e.store.WriteLanes(ctx, current.Mode, nil) },
			func(ctx context.Context) error { return e.store.WriteLanes(ctx, target, next.Lanes) },
		)
	}
	syncErr := runSteps(ctx, steps...)
	e.markSyncedLocked(channelID, syncErr)
	if syncErr != nil {
		e.logger.Warn("Failed to persist mode switch", zap.String("channel_id", channelID), zap.String("mode", target.String()), zap.Error(syncErr))
	}

	outcome := RosterOutcome{Result: ResultModeSwitched, Mode: target, Changed: true, Sync: resolvedSyncResult(syncErr)}
	e.record("switch_mode", outcome, start)
	return outcome, nil
}

// clearLocked empties the roster, optionally forcing ten mode, and blanks all
// persisted ranges.
func (e *RosterEngine) clearLocked(ctx context.Context, channelID string, forceTen bool) *SyncResult {
	e.repo.Update(channelID, func(s *RosterState) {
		if forceTen {
			s.Mode = ModeTen
			s.Header = ""
		}
		s.clearLists()
		s.loaded = true
	})
	err := e.store.ClearDaily(ctx)
	e.markSyncedLocked(channelID, err)
	if err != nil {
		e.logger.Warn("Failed to clear roster ranges", zap.String("channel_id", channelID), zap.Error(err))
	}
	return resolvedSyncResult(err)
}

// Reset clears the roster and every persisted range. The mode is kept.
func (e *RosterEngine) Reset(ctx context.Context, channelID string) (RosterOutcome, error) {
	start := time.Now()
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return RosterOutcome{}, err
	}
	defer release()

	synced := e.clearLocked(ctx, channelID, false)
	outcome := RosterOutcome{
		Result:  ResultReset,
		Mode:    e.repo.Snapshot(channelID).Mode,
		Changed: true,
		Sync:    synced,
	}
	e.record("reset", outcome, start)
	return outcome, nil
}

func (e *RosterEngine) lastManualRecruitLocked(ctx context.Context) string {
	date, ok, err := e.store.ReadLastManualRecruit(ctx)
	if err != nil {
		e.logger.Warn("Failed to read last manual recruit date, using cache", zap.Error(err))
	} else if ok {
		e.lastManualRecruit.Store(date)
	}
	return e.lastManualRecruit.Load()
}

// DailyAutoRecruit starts a fresh ten mode cycle unless someone already
// recruited by hand today. A ResultPublish outcome asks the caller to post a
// new signup message.
func (e *RosterEngine) DailyAutoRecruit(ctx context.Context, channelID string) (RosterOutcome, error) {
	start := time.Now()
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return RosterOutcome{}, err
	}
	defer release()

	if today := e.Today(); e.lastManualRecruitLocked(ctx) == today {
		e.logger.Info("Manual recruit already ran today, skipping auto recruit", zap.String("date", today))
		outcome := RosterOutcome{Result: ResultSkipped, Mode: e.repo.Snapshot(channelID).Mode}
		e.record("auto_recruit", outcome, start)
		return outcome, nil
	}

	synced := e.clearLocked(ctx, channelID, true)
	outcome := RosterOutcome{Result: ResultPublish, Mode: ModeTen, Changed: true, Sync: synced}
	e.record("auto_recruit", outcome, start)
	return outcome, nil
}

// Recruit starts a manual signup cycle: the roster is reloaded from the store,
// lanes are cleared, and today is recorded as a manual recruit day. A nil hour
// selects the mode's default header.
func (e *RosterEngine) Recruit(ctx context.Context, channelID string, hour *int) (RosterOutcome, error) {
	start := time.Now()
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return RosterOutcome{}, err
	}
	defer release()

	if err := e.resyncLocked(ctx, channelID); err != nil {
		e.logger.Warn("Failed to resync roster before recruit", zap.String("channel_id", channelID), zap.Error(err))
	}

	var next *RosterState
	e.repo.Update(channelID, func(s *RosterState) {
		s.Header = ""
		if hour != nil {
			s.Header = RecruitHeader(*hour)
		}
		s.resetLanes()
		next = s.Clone()
	})

	today := e.Today()
	steps := []func(ctx context.Context) error{
		func(ctx context.Context) error { return e.store.WriteLastManualRecruit(ctx, today) },
	}
	if next.Lanes != nil {
		steps = append(steps, func(ctx context.Context) error { return e.store.WriteLanes(ctx, next.Mode, next.Lanes) })
	}
	syncErr := runSteps(ctx, steps...)
	if syncErr != nil {
		e.repo.Update(channelID, func(s *RosterState) { s.dirty = true })
		e.logger.Warn("Failed to persist recruit", zap.String("channel_id", channelID), zap.Error(syncErr))
	}
	e.lastManualRecruit.Store(today)

	outcome := RosterOutcome{Result: ResultPublish, Mode: next.Mode, Changed: true, Sync: resolvedSyncResult(syncErr)}
	e.record("recruit", outcome, start)
	return outcome, nil
}

// Resync reloads the roster from the store and returns the refreshed snapshot.
// On a store failure the in-memory roster is returned with the error.
func (e *RosterEngine) Resync(ctx context.Context, channelID string) (*RosterState, error) {
	err := e.gate.Do(ctx, func(ctx context.Context) error {
		return e.resyncLocked(ctx, channelID)
	})
	return e.repo.Snapshot(channelID), err
}
