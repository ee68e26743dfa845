package match

import (
	"errors"
	"fmt"
	"time"

	"github.com/skirmish-gg/skirmish/pkg/utils"

	"github.com/sasha-s/go-deadlock"
)

type State string

const (
	StateIdle          State = "idle"
	StateLobby         State = "lobby"
	StateReadyCheck    State = "ready-check"
	StateRoundPrep     State = "round-prep"
	StateRoundActive   State = "round-active"
	StateRoundEnd      State = "round-end"
	StateIntermission  State = "intermission"
	StateMatchComplete State = "match-complete"
)

// The lifecycle is strict: states are never skipped. A finished match only
// leaves match-complete through an explicit Reset.
var transitions = map[State][]State{
	StateIdle:          {StateLobby},
	StateLobby:         {StateReadyCheck},
	StateReadyCheck:    {StateRoundPrep},
	StateRoundPrep:     {StateRoundActive},
	StateRoundActive:   {StateRoundEnd},
	StateRoundEnd:      {StateIntermission},
	StateIntermission:  {StateRoundPrep, StateMatchComplete},
	StateMatchComplete: {},
}

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Roster owns the authoritative per-fighter alive flags and score totals;
// the lifecycle manager only ever delegates to it and keeps its own
// bookkeeping logs.
type Roster interface {
	SetAlive(fighterID string, alive bool)
	AddScore(fighterID string, delta int) int
}

// RoundResetter is notified when per-round state must be discarded. The
// draft coordinator satisfies it.
type RoundResetter interface {
	Reset()
}

type RoundSummary struct {
	Winners      []string
	Eliminations []string
	Duration     time.Duration
	Reason       string
}

type RoundRecord struct {
	Number      int
	Summary     RoundSummary
	CompletedAt time.Time
}

type Elimination struct {
	FighterID string
	Dead      bool
	Round     int
	Context   string
	At        time.Time
}

type ScoreUpdate struct {
	FighterID string
	Delta     int
	Total     int
}

// Sync is the trusted host-originated lifecycle payload a joiner replaces
// its local state with.
type Sync struct {
	State       State
	RoundNumber int
	Scores      map[string]int
}

// Manager tracks match/round progression, elimination bookkeeping and
// score aggregation for one match.
type Manager struct {
	mutex deadlock.Mutex

	roster Roster
	reset  []RoundResetter

	state         State
	roundNumber   int
	autoIncrement bool

	roundHistory      []RoundRecord
	eliminationLog    []Elimination
	roundEliminations []string
	scores            map[string]int

	matchStart time.Time
	matchEnd   time.Time
	roundStart time.Time

	stateChanges *utils.Topic[State]
	scoreUpdates *utils.Topic[ScoreUpdate]
}

func NewManager(roster Roster) *Manager {
	return &Manager{
		roster:        roster,
		state:         StateIdle,
		autoIncrement: true,
		scores:        make(map[string]int),
		stateChanges:  utils.NewTopic[State](),
		scoreUpdates:  utils.NewTopic[ScoreUpdate](),
	}
}

// OnRoundReset registers a collaborator whose state is discarded at every
// round boundary, e.g. the draft coordinator.
func (m *Manager) OnRoundReset(resetter RoundResetter) {
	m.mutex.Lock()
	m.reset = append(m.reset, resetter)
	m.mutex.Unlock()
}

// SetAutoIncrement disables local round counting; joiners mirror the
// host's authoritative round number via BeginRoundAt or SyncFromNetwork.
func (m *Manager) SetAutoIncrement(enabled bool) {
	m.mutex.Lock()
	m.autoIncrement = enabled
	m.mutex.Unlock()
}

func (m *Manager) StateChanges() *utils.Topic[State] {
	return m.stateChanges
}

func (m *Manager) ScoreUpdates() *utils.Topic[ScoreUpdate] {
	return m.scoreUpdates
}

// Transition moves the lifecycle to the given state, or fails with
// ErrInvalidTransition. A failed transition indicates a caller bug, never
// network noise, so it is loud rather than coerced.
func (m *Manager) Transition(to State) error {
	m.mutex.Lock()
	if err := m.transitionLocked(to); err != nil {
		m.mutex.Unlock()
		return err
	}
	m.mutex.Unlock()

	m.stateChanges.Publish(to)
	return nil
}

func (m *Manager) transitionLocked(to State) error {
	allowed := false
	for _, next := range transitions[m.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}

	m.state = to

	switch to {
	case StateRoundActive:
		m.roundStart = time.Now()
		if m.matchStart.IsZero() {
			m.matchStart = m.roundStart
		}
	case StateMatchComplete:
		m.matchEnd = time.Now()
	}

	return nil
}

// BeginRound starts the next round: increments the round number (unless
// auto-increment is disabled), discards per-round state and transitions
// round-prep -> round-active. Returns the effective round number.
func (m *Manager) BeginRound() (int, error) {
	m.mutex.Lock()
	number := m.roundNumber
	if m.autoIncrement {
		number++
	}
	round, err := m.beginRoundLocked(number)
	m.mutex.Unlock()

	if err == nil {
		m.stateChanges.Publish(StateRoundActive)
	}
	return round, err
}

// BeginRoundAt is BeginRound with an externally-supplied round number, used
// when a joiner must mirror the host's authoritative count.
func (m *Manager) BeginRoundAt(number int) error {
	m.mutex.Lock()
	_, err := m.beginRoundLocked(number)
	m.mutex.Unlock()

	if err == nil {
		m.stateChanges.Publish(StateRoundActive)
	}
	return err
}

func (m *Manager) beginRoundLocked(number int) (int, error) {
	if err := m.transitionLocked(StateRoundActive); err != nil {
		return 0, err
	}

	m.roundNumber = number
	m.roundEliminations = nil
	for _, resetter := range m.reset {
		resetter.Reset()
	}

	return number, nil
}

// CompleteRound records an immutable history entry for the current round
// and transitions to round-end. A zero summary duration is filled in from
// the round-start timestamp.
func (m *Manager) CompleteRound(summary RoundSummary) error {
	m.mutex.Lock()
	if err := m.transitionLocked(StateRoundEnd); err != nil {
		m.mutex.Unlock()
		return err
	}

	if summary.Duration == 0 && !m.roundStart.IsZero() {
		summary.Duration = time.Since(m.roundStart)
	}

	m.roundHistory = append(m.roundHistory, RoundRecord{
		Number:      m.roundNumber,
		Summary:     summary,
		CompletedAt: time.Now(),
	})
	m.mutex.Unlock()

	m.stateChanges.Publish(StateRoundEnd)
	return nil
}

// MarkEliminated appends to the elimination log and delegates the alive
// flag to the roster.
func (m *Manager) MarkEliminated(fighterID, context string) {
	m.mutex.Lock()
	m.eliminationLog = append(m.eliminationLog, Elimination{
		FighterID: fighterID,
		Dead:      true,
		Round:     m.roundNumber,
		Context:   context,
		At:        time.Now(),
	})
	m.roundEliminations = append(m.roundEliminations, fighterID)
	m.mutex.Unlock()

	if m.roster != nil {
		m.roster.SetAlive(fighterID, false)
	}
}

func (m *Manager) MarkAlive(fighterID, context string) {
	m.mutex.Lock()
	m.eliminationLog = append(m.eliminationLog, Elimination{
		FighterID: fighterID,
		Dead:      false,
		Round:     m.roundNumber,
		Context:   context,
		At:        time.Now(),
	})
	m.mutex.Unlock()

	if m.roster != nil {
		m.roster.SetAlive(fighterID, true)
	}
}

// RegisterScore delegates the increment to the roster and emits a
// score-updated event carrying the new total.
func (m *Manager) RegisterScore(fighterID string, delta int) int {
	total := delta
	if m.roster != nil {
		total = m.roster.AddScore(fighterID, delta)
	} else {
		m.mutex.Lock()
		total = m.scores[fighterID] + delta
		m.mutex.Unlock()
	}

	m.mutex.Lock()
	m.scores[fighterID] = total
	m.mutex.Unlock()

	m.scoreUpdates.Publish(ScoreUpdate{
		FighterID: fighterID,
		Delta:     delta,
		Total:     total,
	})
	return total
}

// SyncFromNetwork replaces local lifecycle state wholesale from a trusted
// host payload. Joiners never merge field-by-field; a partial merge could
// leave the local view internally inconsistent.
func (m *Manager) SyncFromNetwork(payload Sync) {
	m.mutex.Lock()
	m.state = payload.State
	m.roundNumber = payload.RoundNumber
	m.scores = make(map[string]int, len(payload.Scores))
	for fighter, score := range payload.Scores {
		m.scores[fighter] = score
	}
	m.mutex.Unlock()

	m.stateChanges.Publish(payload.State)
}

// Reset restores the manager to its initial state. This is the only way
// out of match-complete.
func (m *Manager) Reset() {
	m.mutex.Lock()
	m.state = StateIdle
	m.roundNumber = 0
	m.roundHistory = nil
	m.eliminationLog = nil
	m.roundEliminations = nil
	m.scores = make(map[string]int)
	m.matchStart = time.Time{}
	m.matchEnd = time.Time{}
	m.roundStart = time.Time{}
	for _, resetter := range m.reset {
		resetter.Reset()
	}
	m.mutex.Unlock()

	m.stateChanges.Publish(StateIdle)
}

func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func (m *Manager) RoundNumber() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.roundNumber
}

func (m *Manager) RoundHistory() []RoundRecord {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]RoundRecord(nil), m.roundHistory...)
}

func (m *Manager) EliminationLog() []Elimination {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]Elimination(nil), m.eliminationLog...)
}

// RoundEliminations lists fighters eliminated in the current round. The
// list is discarded when the next round begins.
func (m *Manager) RoundEliminations() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.roundEliminations...)
}

func (m *Manager) Scores() map[string]int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	scores := make(map[string]int, len(m.scores))
	for fighter, score := range m.scores {
		scores[fighter] = score
	}
	return scores
}

func (m *Manager) MatchStarted() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.matchStart
}

func (m *Manager) MatchEnded() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.matchEnd
}

func (m *Manager) RoundStarted() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.roundStart
}
