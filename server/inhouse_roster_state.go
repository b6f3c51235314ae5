package server

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

const (
	TwentyOverflowReject   = "reject"
	TwentyOverflowWaitlist = "waitlist"
)

// RosterMode is the capacity configuration of a channel's roster.
type RosterMode int

const (
	ModeTen RosterMode = iota
	ModeTwenty
)

func (m RosterMode) Capacity() int {
	if m == ModeTwenty {
		return 20
	}
	return 10
}

// LaneCapacity is the number of slots each lane holds in this mode.
func (m RosterMode) LaneCapacity() int {
	if m == ModeTwenty {
		return 4
	}
	return 2
}

func (m RosterMode) String() string {
	if m == ModeTwenty {
		return "20"
	}
	return "10"
}

type Lane string

const (
	LaneTop     Lane = "top"
	LaneJungle  Lane = "jungle"
	LaneMid     Lane = "mid"
	LaneADC     Lane = "adc"
	LaneSupport Lane = "support"
	// LaneNone is the "no preference" choice. It never occupies a slot.
	LaneNone Lane = "none"
)

// Lanes in grid column order.
var Lanes = []Lane{LaneTop, LaneJungle, LaneMid, LaneADC, LaneSupport}

var laneLabels = map[Lane]string{
	LaneTop:     "탑",
	LaneJungle:  "정글",
	LaneMid:     "미드",
	LaneADC:     "원딜",
	LaneSupport: "서폿",
	LaneNone:    "상관없음",
}

func ParseLane(s string) (Lane, bool) {
	l := Lane(strings.ToLower(strings.TrimSpace(s)))
	if l == "" {
		return LaneNone, true
	}
	if l == LaneNone || slices.Contains(Lanes, l) {
		return l, true
	}
	return LaneNone, false
}

func (l Lane) Label() string {
	if label, ok := laneLabels[l]; ok {
		return label
	}
	return string(l)
}

func (l Lane) column() int {
	return slices.Index(Lanes, l)
}

// LaneGrid holds a fixed number of slots per lane. An empty string marks a free
// slot. An identifier occupies at most one slot across the grid.
type LaneGrid struct {
	capacity int
	slots    [][]string // [lane column][slot]
}

func NewLaneGrid(capacity int) *LaneGrid {
	g := &LaneGrid{
		capacity: capacity,
		slots:    make([][]string, len(Lanes)),
	}
	for i := range g.slots {
		g.slots[i] = make([]string, capacity)
	}
	return g
}

// LaneGridFromRows builds a grid from store rows: one row per slot, one column
// per lane. Missing cells are free slots and duplicates after the first are
// dropped.
func LaneGridFromRows(rows [][]string, capacity int) *LaneGrid {
	g := NewLaneGrid(capacity)
	seen := make(map[string]struct{})
	for r := 0; r < capacity && r < len(rows); r++ {
		for c := 0; c < len(Lanes) && c < len(rows[r]); c++ {
			id := strings.TrimSpace(rows[r][c])
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			g.slots[c][r] = id
		}
	}
	return g
}

func (g *LaneGrid) Capacity() int {
	return g.capacity
}

// Rows returns the grid in store shape: capacity rows by len(Lanes) columns.
func (g *LaneGrid) Rows() [][]string {
	rows := make([][]string, g.capacity)
	for r := range rows {
		rows[r] = make([]string, len(Lanes))
		for c := range Lanes {
			rows[r][c] = g.slots[c][r]
		}
	}
	return rows
}

// Slots returns a copy of the lane's slots.
func (g *LaneGrid) Slots(lane Lane) []string {
	c := lane.column()
	if c < 0 {
		return nil
	}
	return slices.Clone(g.slots[c])
}

// Find reports the lane held by id.
func (g *LaneGrid) Find(id string) (Lane, bool) {
	for c, slots := range g.slots {
		if slices.Contains(slots, id) {
			return Lanes[c], true
		}
	}
	return LaneNone, false
}

// FreeSlot returns the index of the first free slot in lane, or -1.
func (g *LaneGrid) FreeSlot(lane Lane) int {
	c := lane.column()
	if c < 0 {
		return -1
	}
	return slices.Index(g.slots[c], "")
}

func (g *LaneGrid) assign(lane Lane, slot int, id string) {
	g.slots[lane.column()][slot] = id
}

// Remove clears id from every slot and reports whether anything changed.
func (g *LaneGrid) Remove(id string) bool {
	removed := false
	for c := range g.slots {
		for r, v := range g.slots[c] {
			if v == id {
				g.slots[c][r] = ""
				removed = true
			}
		}
	}
	return removed
}

// Retain clears every slot whose identifier fails keep.
func (g *LaneGrid) Retain(keep func(id string) bool) {
	for c := range g.slots {
		for r, v := range g.slots[c] {
			if v != "" && !keep(v) {
				g.slots[c][r] = ""
			}
		}
	}
}

func (g *LaneGrid) IDs() []string {
	var ids []string
	for _, slots := range g.slots {
		for _, v := range slots {
			if v != "" {
				ids = append(ids, v)
			}
		}
	}
	return ids
}

func (g *LaneGrid) Clone() *LaneGrid {
	if g == nil {
		return nil
	}
	c := &LaneGrid{
		capacity: g.capacity,
		slots:    make([][]string, len(g.slots)),
	}
	for i := range g.slots {
		c.slots[i] = slices.Clone(g.slots[i])
	}
	return c
}

// RosterState is the signup state of one channel.
type RosterState struct {
	ChannelID       string
	Mode            RosterMode
	Participants    []string
	Waitlist        []string
	Lanes           *LaneGrid // nil when lanes are disabled
	Header          string    // empty means the mode's default header
	ActiveMessageID string

	loaded bool
	// dirty is set while memory holds changes the store has not accepted.
	dirty bool
}

func NewRosterState(channelID string, lanesEnabled bool) *RosterState {
	s := &RosterState{
		ChannelID:    channelID,
		Mode:         ModeTen,
		Participants: []string{},
		Waitlist:     []string{},
	}
	if lanesEnabled {
		s.Lanes = NewLaneGrid(ModeTen.LaneCapacity())
	}
	return s
}

func (s *RosterState) Clone() *RosterState {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.Waitlist = slices.Clone(s.Waitlist)
	c.Lanes = s.Lanes.Clone()
	return &c
}

func (s *RosterState) IsParticipant(id string) bool {
	return slices.Contains(s.Participants, id)
}

func (s *RosterState) IsWaitlisted(id string) bool {
	return slices.Contains(s.Waitlist, id)
}

func (s *RosterState) Capacity() int {
	return s.Mode.Capacity()
}

func (s *RosterState) LanesEnabled() bool {
	return s.Lanes != nil
}

// resetLanes discards all assignments and reshapes the grid for the current
// mode.
func (s *RosterState) resetLanes() {
	if s.Lanes != nil {
		s.Lanes = NewLaneGrid(s.Mode.LaneCapacity())
	}
}

func (s *RosterState) clearLists() {
	s.Participants = []string{}
	s.Waitlist = []string{}
	s.resetLanes()
}

// CheckInvariants reports the first violated roster invariant.
func (s *RosterState) CheckInvariants() error {
	if len(s.Participants) > s.Capacity() {
		return fmt.Errorf("participants %d exceed capacity %d", len(s.Participants), s.Capacity())
	}
	if len(lo.Uniq(s.Participants)) != len(s.Participants) {
		return fmt.Errorf("duplicate participants: %v", lo.FindDuplicates(s.Participants))
	}
	if len(lo.Uniq(s.Waitlist)) != len(s.Waitlist) {
		return fmt.Errorf("duplicate waitlist entries: %v", lo.FindDuplicates(s.Waitlist))
	}
	if both := lo.Intersect(s.Participants, s.Waitlist); len(both) > 0 {
		return fmt.Errorf("identifiers both joined and waitlisted: %v", both)
	}
	if s.Lanes != nil {
		if s.Lanes.Capacity() != s.Mode.LaneCapacity() {
			return fmt.Errorf("lane grid capacity %d does not match mode %s", s.Lanes.Capacity(), s.Mode)
		}
		ids := s.Lanes.IDs()
		if len(lo.Uniq(ids)) != len(ids) {
			return fmt.Errorf("identifiers in more than one lane slot: %v", lo.FindDuplicates(ids))
		}
		for _, id := range ids {
			if !s.IsParticipant(id) {
				return fmt.Errorf("lane holder %s is not a participant", id)
			}
		}
	}
	return nil
}

// RosterRepository owns the per-channel states. States are created on first
// use and never removed; resets happen in place.
type RosterRepository struct {
	sync.RWMutex
	lanesEnabled bool
	states       map[string]*RosterState
}

func NewRosterRepository(lanesEnabled bool) *RosterRepository {
	return &RosterRepository{
		lanesEnabled: lanesEnabled,
		states:       make(map[string]*RosterState),
	}
}

func (r *RosterRepository) getLocked(channelID string) *RosterState {
	s, ok := r.states[channelID]
	if !ok {
		s = NewRosterState(channelID, r.lanesEnabled)
		r.states[channelID] = s
	}
	return s
}

// Snapshot returns a copy of the channel's state that is safe to read without
// holding any lock.
func (r *RosterRepository) Snapshot(channelID string) *RosterState {
	r.RLock()
	if s, ok := r.states[channelID]; ok {
		defer r.RUnlock()
		return s.Clone()
	}
	r.RUnlock()

	r.Lock()
	defer r.Unlock()
	return r.getLocked(channelID).Clone()
}

// Update runs fn with exclusive access to the channel's state.
func (r *RosterRepository) Update(channelID string, fn func(s *RosterState)) {
	r.Lock()
	defer r.Unlock()
	fn(r.getLocked(channelID))
}

func (r *RosterRepository) Loaded(channelID string) bool {
	r.RLock()
	defer r.RUnlock()
	s, ok := r.states[channelID]
	return ok && s.loaded
}

func (r *RosterRepository) LanesEnabled() bool {
	return r.lanesEnabled
}
