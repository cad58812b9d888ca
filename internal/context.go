package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "lockbase_data"
)

// logging metadata for a single realtime frame
type data struct {
	userID  string
	connID  string
	action  string
	dbID    string
	seq     int64
	numTxns int
}

// prepare a request context so it can carry per-frame metadata
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		seq:     -1,
		numTxns: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the user and connection IDs to this request context. Need to have called RequestContext first.
func SetRequestContextUser(ctx context.Context, userID, connID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
	da.connID = connID
}

func SetRequestContextAction(ctx context.Context, action string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.action = action
}

func SetRequestContextCommit(ctx context.Context, dbID string, seq int64, numTxns int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.dbID = dbID
	da.seq = seq
	da.numTxns = numTxns
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.connID != "" {
		l = l.Str("c", da.connID)
	}
	if da.action != "" {
		l = l.Str("a", da.action)
	}
	if da.dbID != "" {
		l = l.Str("db", da.dbID)
	}
	if da.seq >= 0 {
		l = l.Int64("s", da.seq)
	}
	if da.numTxns >= 0 {
		l = l.Int("n", da.numTxns)
	}
	return l
}
