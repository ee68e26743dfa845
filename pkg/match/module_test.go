package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoster struct {
	alive  map[string]bool
	scores map[string]int
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{
		alive:  make(map[string]bool),
		scores: make(map[string]int),
	}
}

func (r *fakeRoster) SetAlive(fighterID string, alive bool) {
	r.alive[fighterID] = alive
}

func (r *fakeRoster) AddScore(fighterID string, delta int) int {
	r.scores[fighterID] += delta
	return r.scores[fighterID]
}

func advance(t *testing.T, m *Manager, states ...State) {
	t.Helper()
	for _, state := range states {
		require.NoError(t, m.Transition(state))
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	m := NewManager(nil)
	assert.Equal(t, StateIdle, m.State())

	advance(t, m,
		StateLobby, StateReadyCheck, StateRoundPrep, StateRoundActive,
		StateRoundEnd, StateIntermission, StateRoundPrep, StateRoundActive,
		StateRoundEnd, StateIntermission, StateMatchComplete,
	)
	assert.Equal(t, StateMatchComplete, m.State())
	assert.False(t, m.MatchEnded().IsZero())
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	m := NewManager(nil)

	// No skipping ahead.
	assert.ErrorIs(t, m.Transition(StateRoundActive), ErrInvalidTransition)
	assert.Equal(t, StateIdle, m.State())

	advance(t, m, StateLobby, StateReadyCheck, StateRoundPrep, StateRoundActive)

	// No going back mid-round.
	assert.ErrorIs(t, m.Transition(StateLobby), ErrInvalidTransition)
	assert.ErrorIs(t, m.Transition(StateRoundPrep), ErrInvalidTransition)
	assert.Equal(t, StateRoundActive, m.State())
}

func TestMatchCompleteIsTerminal(t *testing.T) {
	m := NewManager(nil)
	advance(t, m,
		StateLobby, StateReadyCheck, StateRoundPrep, StateRoundActive,
		StateRoundEnd, StateIntermission, StateMatchComplete,
	)

	for _, state := range []State{StateIdle, StateLobby, StateRoundPrep} {
		assert.ErrorIs(t, m.Transition(state), ErrInvalidTransition)
	}

	m.Reset()
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, m.RoundNumber())
	assert.Empty(t, m.RoundHistory())
	assert.True(t, m.MatchStarted().IsZero())
}

func TestBeginRoundIncrementsAndResets(t *testing.T) {
	m := NewManager(nil)

	resets := 0
	m.OnRoundReset(resetFunc(func() { resets++ }))

	advance(t, m, StateLobby, StateReadyCheck, StateRoundPrep)

	number, err := m.BeginRound()
	require.NoError(t, err)
	assert.Equal(t, 1, number)
	assert.Equal(t, StateRoundActive, m.State())
	assert.Equal(t, 1, resets)
	assert.False(t, m.RoundStarted().IsZero())
	assert.False(t, m.MatchStarted().IsZero())

	m.MarkEliminated("ada", "ring-out")
	assert.Equal(t, []string{"ada"}, m.RoundEliminations())

	advance(t, m, StateRoundEnd, StateIntermission, StateRoundPrep)

	number, err = m.BeginRound()
	require.NoError(t, err)
	assert.Equal(t, 2, number)
	assert.Equal(t, 2, resets)
	// Per-round eliminations are discarded at the round boundary.
	assert.Empty(t, m.RoundEliminations())
}

type resetFunc func()

func (f resetFunc) Reset() { f() }

func TestBeginRoundRequiresRoundPrep(t *testing.T) {
	m := NewManager(nil)
	_, err := m.BeginRound()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBeginRoundAtMirrorsHostCount(t *testing.T) {
	m := NewManager(nil)
	m.SetAutoIncrement(false)

	advance(t, m, StateLobby, StateReadyCheck, StateRoundPrep)
	require.NoError(t, m.BeginRoundAt(7))
	assert.Equal(t, 7, m.RoundNumber())
}

func TestCompleteRoundRecordsHistory(t *testing.T) {
	m := NewManager(nil)
	advance(t, m, StateLobby, StateReadyCheck, StateRoundPrep)
	_, err := m.BeginRound()
	require.NoError(t, err)

	require.NoError(t, m.CompleteRound(RoundSummary{
		Winners: []string{"lin"},
		Reason:  "last-standing",
	}))

	history := m.RoundHistory()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Number)
	assert.Equal(t, []string{"lin"}, history[0].Summary.Winners)
	// Zero duration is filled in from the round-start timestamp.
	assert.Greater(t, history[0].Summary.Duration, time.Duration(0))
	assert.False(t, history[0].CompletedAt.IsZero())
	assert.Equal(t, StateRoundEnd, m.State())
}

func TestEliminationBookkeeping(t *testing.T) {
	roster := newFakeRoster()
	m := NewManager(roster)

	advance(t, m, StateLobby, StateReadyCheck, StateRoundPrep)
	_, err := m.BeginRound()
	require.NoError(t, err)

	m.MarkEliminated("ada", "ring-out")
	assert.False(t, roster.alive["ada"])

	m.MarkAlive("ada", "revive-card")
	assert.True(t, roster.alive["ada"])

	log := m.EliminationLog()
	require.Len(t, log, 2)
	assert.True(t, log[0].Dead)
	assert.Equal(t, 1, log[0].Round)
	assert.Equal(t, "ring-out", log[0].Context)
	assert.False(t, log[1].Dead)
}

func TestRegisterScore(t *testing.T) {
	roster := newFakeRoster()
	m := NewManager(roster)

	updates := m.ScoreUpdates().Subscribe()
	defer updates.Done()

	total := m.RegisterScore("lin", 2)
	assert.Equal(t, 2, total)
	total = m.RegisterScore("lin", 3)
	assert.Equal(t, 5, total)

	for _, want := range []ScoreUpdate{
		{FighterID: "lin", Delta: 2, Total: 2},
		{FighterID: "lin", Delta: 3, Total: 5},
	} {
		select {
		case update := <-updates.Recv():
			assert.Equal(t, want, update)
		case <-time.After(time.Second):
			t.Fatal("score update never published")
		}
	}

	assert.Equal(t, map[string]int{"lin": 5}, m.Scores())
}

func TestSyncFromNetworkReplacesWholesale(t *testing.T) {
	m := NewManager(nil)
	m.RegisterScore("ada", 4)

	changes := m.StateChanges().Subscribe()
	defer changes.Done()

	m.SyncFromNetwork(Sync{
		State:       StateIntermission,
		RoundNumber: 3,
		Scores:      map[string]int{"lin": 2},
	})

	assert.Equal(t, StateIntermission, m.State())
	assert.Equal(t, 3, m.RoundNumber())
	// Stale local scores do not survive a sync.
	assert.Equal(t, map[string]int{"lin": 2}, m.Scores())

	select {
	case state := <-changes.Recv():
		assert.Equal(t, StateIntermission, state)
	case <-time.After(time.Second):
		t.Fatal("state change never published")
	}

	// The synced state is a normal lifecycle position afterwards.
	require.NoError(t, m.Transition(StateRoundPrep))
}
