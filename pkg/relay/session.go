package relay

import (
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/skirmish-gg/skirmish/pkg/protocol"

	"github.com/sasha-s/go-deadlock"
)

type Role uint8

const (
	RoleUnassigned Role = iota
	RoleHost
	RoleJoiner
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleJoiner:
		return "joiner"
	}
	return "unassigned"
}

// Session binds one host and up to three joiners under a code. Slot
// mutations are serialized by the session mutex; different sessions are
// fully independent.
type Session struct {
	Code string

	mutex   deadlock.Mutex
	host    *Connection
	joiners [protocol.MaxJoiners]*Connection
}

// Joiners snapshots the occupied slots in index order.
func (s *Session) Joiners() []*Connection {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	joiners := make([]*Connection, 0, len(s.joiners))
	for _, joiner := range s.joiners {
		if joiner != nil {
			joiners = append(joiners, joiner)
		}
	}
	return joiners
}

func (s *Session) Host() *Connection {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.host
}

func (s *Session) empty() bool {
	if s.host != nil {
		return false
	}
	for _, joiner := range s.joiners {
		if joiner != nil {
			return false
		}
	}
	return true
}

// SessionTable is the relay's only shared mutable resource: code -> live
// session.
type sessionTable struct {
	mutex    deadlock.Mutex
	sessions map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*Session),
	}
}

func (t *sessionTable) get(code string) *Session {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.sessions[code]
}

func (t *sessionTable) ensure(code string) *Session {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if session := t.sessions[code]; session != nil {
		return session
	}

	session := &Session{Code: code}
	t.sessions[code] = session
	return session
}

func (t *sessionTable) remove(code string) {
	t.mutex.Lock()
	delete(t.sessions, code)
	t.mutex.Unlock()
}

func (t *sessionTable) count() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.sessions)
}

// newCode generates a fresh session code, collision-checked against the
// live table.
func (t *sessionTable) newCode() (string, error) {
	for attempts := 0; attempts < 1000; attempts++ {
		code := make([]byte, protocol.CodeLength)
		for i := range code {
			number, err := rand.Int(rand.Reader, big.NewInt(int64(len(protocol.CodeCharset))))
			if err != nil {
				return "", err
			}
			code[i] = protocol.CodeCharset[number.Int64()]
		}

		candidate := string(code)

		t.mutex.Lock()
		_, taken := t.sessions[candidate]
		t.mutex.Unlock()
		if taken {
			continue
		}

		return candidate, nil
	}

	return "", errors.New("failed to generate a session code")
}
