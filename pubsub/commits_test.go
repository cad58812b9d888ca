package pubsub

import (
	"testing"
	"time"

	"github.com/lockbase/lockbase/internal"
)

type recordingListener struct {
	committed []*TransactionsCommitted
	deleted   []*UserDeleted
}

func (l *recordingListener) OnTransactionsCommitted(p *TransactionsCommitted) {
	l.committed = append(l.committed, p)
}
func (l *recordingListener) OnUserDeleted(p *UserDeleted) {
	l.deleted = append(l.deleted, p)
}

func TestCommitSubDispatch(t *testing.T) {
	bus := NewPubSub(10)
	recv := &recordingListener{}
	sub := NewCommitSub(bus, recv)
	done := make(chan struct{})
	go func() {
		sub.Listen()
		close(done)
	}()

	err := bus.Notify(ChanCommits, &TransactionsCommitted{
		UserID: "u1",
		DBID:   "db1",
		Transactions: []internal.Transaction{
			{DBID: "db1", SeqNo: 1, Command: internal.CommandInsert, ItemKey: "k"},
		},
	})
	if err != nil {
		t.Fatalf("Notify: %s", err)
	}
	if err = bus.Notify(ChanCommits, &UserDeleted{UserID: "u1"}); err != nil {
		t.Fatalf("Notify: %s", err)
	}

	sub.Teardown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Listen did not return after Teardown")
	}

	if len(recv.committed) != 1 || recv.committed[0].DBID != "db1" || len(recv.committed[0].Transactions) != 1 {
		t.Errorf("commit payload not dispatched correctly: %+v", recv.committed)
	}
	if len(recv.deleted) != 1 || recv.deleted[0].UserID != "u1" {
		t.Errorf("user deleted payload not dispatched correctly: %+v", recv.deleted)
	}
}
