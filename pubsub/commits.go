package pubsub

import (
	"github.com/lockbase/lockbase/internal"
)

// The channel which has commit payloads
const ChanCommits = "commitsch"

// CommitListener is implemented by whoever fans committed work out to live
// connections, locally and across instances.
type CommitListener interface {
	OnTransactionsCommitted(p *TransactionsCommitted)
	OnUserDeleted(p *UserDeleted)
}

// TransactionsCommitted is emitted once per successful append to a database's
// log, after the database write has committed. Transactions are in sequence
// order and form a contiguous range.
type TransactionsCommitted struct {
	UserID       string
	DBID         string
	Transactions []internal.Transaction
}

func (t TransactionsCommitted) Type() string { return "t" }

// UserDeleted is emitted when an account is soft-deleted so its remaining live
// connections can be torn down.
type UserDeleted struct {
	UserID string
}

func (u UserDeleted) Type() string { return "u" }

type CommitSub struct {
	listener Listener
	receiver CommitListener
}

func NewCommitSub(l Listener, recv CommitListener) *CommitSub {
	return &CommitSub{
		listener: l,
		receiver: recv,
	}
}

func (s *CommitSub) Teardown() {
	s.listener.Close()
}

func (s *CommitSub) onMessage(p Payload) {
	switch p.Type() {
	case TransactionsCommitted{}.Type():
		s.receiver.OnTransactionsCommitted(p.(*TransactionsCommitted))
	case UserDeleted{}.Type():
		s.receiver.OnUserDeleted(p.(*UserDeleted))
	}
}

func (s *CommitSub) Listen() error {
	return s.listener.Listen(ChanCommits, s.onMessage)
}
