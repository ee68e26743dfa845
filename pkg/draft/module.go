package draft

import (
	"errors"
	"time"

	"github.com/skirmish-gg/skirmish/pkg/protocol"
	"github.com/skirmish-gg/skirmish/pkg/utils"

	"github.com/repeale/fp-go"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrNoActiveDraft  = errors.New("no active draft")
	ErrNoParticipants = errors.New("could not determine draft participants")
)

// Roster is the living-fighter collaborator used to infer participants
// when none are supplied explicitly.
type Roster interface {
	LivingFighters() []string
}

// Selection is one fighter's resolved choice. CardID is empty for an
// explicit skip.
type Selection struct {
	FighterID string
	CardID    string
	Skipped   bool
	At        time.Time
}

// Result reports the outcome of RecordSelection without treating expected
// network retransmission as an error.
type Result struct {
	Success bool
	Reason  string
}

type Options struct {
	Participants   []string
	CardsByFighter map[string][]protocol.Card
}

// Completion is published exactly once when a draft resolves.
type Completion struct {
	Selections []Selection
}

// Coordinator runs the per-round card draft: offer a pool per eligible
// fighter, then collect exactly one selection (or skip) from each.
type Coordinator struct {
	mutex deadlock.Mutex

	roster      Roster
	autoAdvance bool

	active       bool
	participants []string
	pending      map[string]bool
	cards        map[string][]protocol.Card
	selections   []Selection

	completion *utils.Topic[Completion]
}

func NewCoordinator(roster Roster) *Coordinator {
	return &Coordinator{
		roster:      roster,
		autoAdvance: true,
		cards:       make(map[string][]protocol.Card),
		completion:  utils.NewTopic[Completion](),
	}
}

// SetAutoAdvance controls whether the draft completes itself when the last
// pending fighter resolves. Joiners mirroring a host-driven draft disable
// it and wait for the host's card-apply instead.
func (c *Coordinator) SetAutoAdvance(enabled bool) {
	c.mutex.Lock()
	c.autoAdvance = enabled
	c.mutex.Unlock()
}

func (c *Coordinator) Completion() *utils.Topic[Completion] {
	return c.completion
}

// StartDraft begins a draft for the given participants, falling back to the
// living roster when none are supplied.
func (c *Coordinator) StartDraft(opts Options) error {
	participants := opts.Participants
	if len(participants) == 0 && c.roster != nil {
		participants = c.roster.LivingFighters()
	}
	if len(participants) == 0 {
		return ErrNoParticipants
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.active = true
	c.participants = append([]string(nil), participants...)
	c.pending = make(map[string]bool, len(participants))
	for _, fighter := range participants {
		c.pending[fighter] = true
	}
	c.cards = make(map[string][]protocol.Card, len(opts.CardsByFighter))
	for fighter, pool := range opts.CardsByFighter {
		c.cards[fighter] = append([]protocol.Card(nil), pool...)
	}
	c.selections = nil

	return nil
}

// RecordSelection resolves one fighter's choice. An empty cardID records an
// explicit skip. Re-resolving an already-resolved fighter is not an error
// (selects are retransmitted over the network); it reports
// Result{Success: false, Reason: "already-completed"} and changes nothing.
func (c *Coordinator) RecordSelection(fighterID string, cardID string) (Result, error) {
	c.mutex.Lock()

	if !c.active {
		// A retransmitted select can land after the last resolution
		// already completed the draft. That is still the duplicate case,
		// not a caller bug.
		for _, selection := range c.selections {
			if selection.FighterID == fighterID {
				c.mutex.Unlock()
				return Result{Success: false, Reason: "already-completed"}, nil
			}
		}
		c.mutex.Unlock()
		return Result{}, ErrNoActiveDraft
	}

	isParticipant := false
	for _, fighter := range c.participants {
		if fighter == fighterID {
			isParticipant = true
			break
		}
	}
	if !isParticipant {
		c.mutex.Unlock()
		return Result{Success: false, Reason: "not-a-participant"}, nil
	}

	if !c.pending[fighterID] {
		c.mutex.Unlock()
		return Result{Success: false, Reason: "already-completed"}, nil
	}

	delete(c.pending, fighterID)
	c.selections = append(c.selections, Selection{
		FighterID: fighterID,
		CardID:    cardID,
		Skipped:   cardID == "",
		At:        time.Now(),
	})

	done := c.autoAdvance && len(c.pending) == 0
	if done {
		c.active = false
	}
	selections := append([]Selection(nil), c.selections...)
	c.mutex.Unlock()

	if done {
		c.completion.Publish(Completion{Selections: selections})
	}

	return Result{Success: true}, nil
}

// Complete resolves the draft regardless of pending fighters. Used when
// auto-advance is disabled and the host's card-apply arrives.
func (c *Coordinator) Complete() error {
	c.mutex.Lock()
	if !c.active {
		c.mutex.Unlock()
		return ErrNoActiveDraft
	}
	c.active = false
	c.pending = nil
	selections := append([]Selection(nil), c.selections...)
	c.mutex.Unlock()

	c.completion.Publish(Completion{Selections: selections})
	return nil
}

// Reset discards all draft state without firing completion. Called between
// rounds.
func (c *Coordinator) Reset() {
	c.mutex.Lock()
	c.active = false
	c.participants = nil
	c.pending = nil
	c.cards = make(map[string][]protocol.Card)
	c.selections = nil
	c.mutex.Unlock()
}

func (c *Coordinator) Active() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.active
}

func (c *Coordinator) Participants() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.participants...)
}

// Pending lists fighters still owing a selection, in participant order.
func (c *Coordinator) Pending() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return fp.Filter(func(fighter string) bool {
		return c.pending[fighter]
	})(c.participants)
}

func (c *Coordinator) Selections() []Selection {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Selection(nil), c.selections...)
}

func (c *Coordinator) CardsForFighter(fighterID string) []protocol.Card {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]protocol.Card(nil), c.cards[fighterID]...)
}

// SetCardsForFighter (re)populates a fighter's pool before or during a
// draft without restarting it.
func (c *Coordinator) SetCardsForFighter(fighterID string, pool []protocol.Card) {
	c.mutex.Lock()
	c.cards[fighterID] = append([]protocol.Card(nil), pool...)
	c.mutex.Unlock()
}
