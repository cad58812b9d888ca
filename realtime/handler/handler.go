package handler

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"

	"github.com/lockbase/lockbase/internal"
	"github.com/lockbase/lockbase/pubsub"
	"github.com/lockbase/lockbase/realtime"
	"github.com/lockbase/lockbase/state"
)

const (
	// how long a verified session token is trusted before we go back to the
	// sessions table
	sessionCacheTTL = 5 * time.Minute
	// transactions per ApplyTransactions frame when replaying a log, so a
	// reopen of a long log never produces one enormous frame
	replayChunkSize = 100
	// sequence-race retries before a commit gives up with a 503
	commitAttempts = 3
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// RealtimeHandler is the net/http handler for the realtime channel. It
// authenticates the session token, upgrades to a WebSocket, runs the
// key-possession handshake and then dispatches the connection's requests
// until the socket dies.
type RealtimeHandler struct {
	Storage  *state.Storage
	ConnMap  *realtime.ConnMap
	Notifier pubsub.Notifier

	upgrader websocket.Upgrader
	sessions *ttlcache.Cache[string, *state.Session]
}

func NewRealtimeHandler(store *state.Storage, connMap *realtime.ConnMap, notifier pubsub.Notifier) *RealtimeHandler {
	h := &RealtimeHandler{
		Storage:  store,
		ConnMap:  connMap,
		Notifier: notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browser clients connect cross-origin; the session token is the
			// credential, not a cookie, so origin checks add nothing
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: ttlcache.New(ttlcache.WithTTL[string, *state.Session](sessionCacheTTL)),
	}
	go h.sessions.Start()
	return h
}

func (h *RealtimeHandler) Teardown() {
	h.sessions.Stop()
}

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, user, clientID, err := h.authenticate(req)
	if err != nil {
		herr, ok := err.(*internal.HandlerError)
		if !ok {
			herr = &internal.HandlerError{
				StatusCode: 500,
				Err:        err,
			}
		}
		hlog.FromRequest(req).Err(herr).Msg("refusing realtime connection")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
		return
	}
	pubKey, err := btcec.ParsePubKey(user.PublicKey, btcec.S256())
	if err != nil {
		// the key was validated at registration, so this is corrupt data,
		// not a client mistake
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		hlog.FromRequest(req).Err(err).Str("user", user.UserID).Msg("stored public key does not parse")
		herr := &internal.HandlerError{
			StatusCode: 500,
			Err:        fmt.Errorf("invalid account key material"),
		}
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
		return
	}
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		hlog.FromRequest(req).Err(err).Msg("failed to upgrade websocket")
		return
	}
	h.serveSocket(req, ws, sess, user, clientID, pubKey)
}

// authenticate verifies the session token in the query string, before any
// upgrade happens so failures are plain HTTP errors.
func (h *RealtimeHandler) authenticate(req *http.Request) (*state.Session, *state.UserRow, string, error) {
	query := req.URL.Query()
	token := query.Get("sessionToken")
	clientID := query.Get("clientId")
	appID := query.Get("appId")
	if token == "" || clientID == "" || appID == "" {
		return nil, nil, "", &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("sessionToken, clientId and appId are required"),
		}
	}
	sess, err := h.session(token)
	if err == sql.ErrNoRows {
		return nil, nil, "", &internal.HandlerError{
			StatusCode: 401,
			Err:        fmt.Errorf("unknown session token"),
		}
	}
	if err != nil {
		return nil, nil, "", err
	}
	if sess.AppID != appID {
		return nil, nil, "", &internal.HandlerError{
			StatusCode: 401,
			Err:        fmt.Errorf("session does not belong to this app"),
		}
	}
	user, err := h.Storage.UsersTable.Select(sess.UserID)
	if err == sql.ErrNoRows {
		return nil, nil, "", &internal.HandlerError{
			StatusCode: 401,
			Err:        fmt.Errorf("unknown user"),
		}
	}
	if err != nil {
		return nil, nil, "", err
	}
	if user.DeletedAt != nil {
		return nil, nil, "", &internal.HandlerError{
			StatusCode: 401,
			Err:        fmt.Errorf("user has been deleted"),
		}
	}
	return sess, user, clientID, nil
}

// session checks the token against the cache, falling back to the sessions
// table. Returns a per-caller copy so last-seen bookkeeping on one
// connection never races another.
func (h *RealtimeHandler) session(token string) (*state.Session, error) {
	if item := h.sessions.Get(token); item != nil {
		s := *item.Value()
		return &s, nil
	}
	sess, err := h.Storage.SessionsTable.Session(token)
	if err != nil {
		return nil, err
	}
	h.sessions.Set(token, sess, ttlcache.DefaultTTL)
	s := *sess
	return &s, nil
}

func (h *RealtimeHandler) serveSocket(req *http.Request, ws *websocket.Conn, sess *state.Session, user *state.UserRow, clientID string, pubKey *btcec.PublicKey) {
	log := hlog.FromRequest(req).With().Str("user", user.UserID).Str("client", clientID).Logger()
	conn, err := h.ConnMap.Register(user.UserID, clientID, user.AdminID, user.AppID, ws)
	if err != nil {
		log.Err(err).Msg("refusing registration")
		msg, _ := json.Marshal(&realtime.ErrorPush{Route: realtime.RouteError, Message: err.Error()})
		ws.WriteMessage(websocket.TextMessage, msg)
		ws.Close()
		return
	}
	conn.Start()
	// hard cap; the polite oversize rejection happens per frame in readLoop
	ws.SetReadLimit(2 * realtime.MaxRequestSize)

	encryptedValidation, err := btcec.Encrypt(pubKey, conn.ValidationMessage())
	if err != nil {
		log.Err(err).Msg("failed to encrypt validation message")
		h.ConnMap.Close(conn)
		return
	}
	salts, err := user.Salts()
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		log.Err(err).Msg("stored key salts do not parse")
		h.ConnMap.Close(conn)
		return
	}
	err = conn.Enqueue(&realtime.ConnectionPush{
		Route:                      realtime.RouteConnection,
		ConnectionID:               conn.ID,
		EncryptedValidationMessage: base64.StdEncoding.EncodeToString(encryptedValidation),
		KeySalts:                   salts,
	})
	if err != nil {
		h.ConnMap.Close(conn)
		return
	}
	if err := h.Storage.SessionsTable.MaybeUpdateLastSeen(sess, time.Now()); err != nil {
		// non-fatal bookkeeping
		log.Err(err).Msg("failed to update session last seen")
	}

	ctx := internal.RequestContext(req.Context())
	internal.SetRequestContextUser(ctx, user.UserID, conn.ID)
	log = log.With().Str("conn", conn.ID).Logger()
	log.Info().Msg("connection registered")
	h.readLoop(ctx, log, ws, conn, sess)
	h.ConnMap.Close(conn)
	log.Info().Msg("connection closed")
}

// readLoop serialises this connection's requests: size gate, liveness
// touch, rate gate, then dispatch. Returns when the socket dies or the
// connection is terminated.
func (h *RealtimeHandler) readLoop(ctx context.Context, log zerolog.Logger, ws *websocket.Conn, conn *realtime.Conn, sess *state.Session) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !conn.Closed() {
				log.Info().Err(err).Msg("read loop ended")
			}
			return
		}
		// any inbound traffic counts as life
		conn.MarkAlive()
		h.ConnMap.KeepAlive(conn.ID)

		if len(msg) > realtime.MaxRequestSize {
			log.Error().Int("size", len(msg)).Msg("oversized frame rejected")
			if err := conn.EnqueueRaw([]byte("Max payload size exceeded")); err != nil {
				return
			}
			continue
		}
		action := gjson.GetBytes(msg, "action").Str
		if action == string(realtime.ActionPong) {
			// pongs exist purely to reset liveness and bypass rate limiting
			continue
		}
		if !conn.RateAllow() {
			requestID := gjson.GetBytes(msg, "requestId").Str
			if err := conn.Enqueue(realtime.NewRateLimitResponse(requestID, realtime.Action(action))); err != nil {
				return
			}
			continue
		}
		var req realtime.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			log.Err(err).Msg("failed to decode frame")
			if err := conn.EnqueueRaw([]byte("Unable to parse message")); err != nil {
				return
			}
			continue
		}
		resp := h.handleFrame(ctx, log, conn, sess, &req)
		if resp != nil {
			if err := conn.Enqueue(resp); err != nil {
				log.Err(err).Msg("failed to queue response, terminating")
				return
			}
		}
		if conn.Closed() {
			return
		}
	}
}

// handleFrame runs one request and returns the response to queue, or nil
// when the handler queued its frames itself. A panic is caught per frame:
// the connection survives and the caller gets a generic internal error
// rather than silence.
func (h *RealtimeHandler) handleFrame(ctx context.Context, log zerolog.Logger, conn *realtime.Conn, sess *state.Session, req *realtime.Request) (resp *realtime.Response) {
	action, known := realtime.ParseAction(req.Action)
	defer func() {
		if panicked := recover(); panicked != nil {
			internal.GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, panicked)
			log.Error().Interface("panic", panicked).Str("action", req.Action).Msg("panic handling frame")
			resp = realtime.NewResponse(req.RequestID, action, http.StatusInternalServerError, nil)
		}
	}()
	if !known {
		log.Error().Str("action", req.Action).Msg("unrecognized action")
		return realtime.NewResponse(req.RequestID, action, http.StatusBadRequest, "Unrecognized action")
	}
	ctx, task := internal.StartTask(ctx, string(action))
	defer task.End()
	internal.SetRequestContextAction(ctx, string(action))

	if !conn.Validated() {
		switch action {
		case realtime.ActionValidateKey:
			return h.validateKey(conn, req)
		case realtime.ActionSignOut:
			return h.signOut(log, conn, sess, req)
		default:
			return realtime.NewResponse(req.RequestID, action, http.StatusUnauthorized, "Key not validated")
		}
	}
	switch action {
	case realtime.ActionPong:
		return nil // filtered in readLoop
	case realtime.ActionValidateKey:
		return realtime.NewResponse(req.RequestID, action, http.StatusBadRequest, "Already validated")
	case realtime.ActionSignOut:
		return h.signOut(log, conn, sess, req)
	case realtime.ActionUpdateUser:
		return h.updateUser(ctx, conn, req)
	case realtime.ActionDeleteUser:
		return h.deleteUser(ctx, log, conn, req)
	case realtime.ActionGetPasswordSalts:
		return h.getPasswordSalts(ctx, conn, req)
	case realtime.ActionOpenDatabase:
		return h.openDatabase(ctx, log, conn, req)
	case realtime.ActionInsert, realtime.ActionUpdate, realtime.ActionDelete:
		return h.command(ctx, conn, req, action)
	case realtime.ActionBatchTransaction:
		return h.batchTransaction(ctx, conn, req)
	case realtime.ActionBundle:
		return h.bundle(ctx, conn, req)
	}
	return realtime.NewResponse(req.RequestID, action, http.StatusBadRequest, "Unrecognized action")
}

// decodeParams unmarshals req.Params into v, returning a ready-made 400 on
// garbage.
func decodeParams(req *realtime.Request, v interface{}) *realtime.Response {
	if err := json.Unmarshal(req.Params, v); err != nil {
		return realtime.NewResponse(req.RequestID, realtime.Action(req.Action), http.StatusBadRequest, "Malformed params")
	}
	return nil
}

func (h *RealtimeHandler) validateKey(conn *realtime.Conn, req *realtime.Request) *realtime.Response {
	var params realtime.ValidateKeyParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	provided, err := base64.StdEncoding.DecodeString(params.ValidationMessage)
	if err != nil {
		return realtime.NewResponse(req.RequestID, realtime.ActionValidateKey, http.StatusBadRequest, "Malformed validation message")
	}
	if subtle.ConstantTimeCompare(provided, conn.ValidationMessage()) != 1 {
		// state unchanged; the client may retry
		return realtime.NewResponse(req.RequestID, realtime.ActionValidateKey, http.StatusUnauthorized, "Validation failed")
	}
	conn.SetValidated()
	return realtime.NewResponse(req.RequestID, realtime.ActionValidateKey, http.StatusOK, nil)
}

func (h *RealtimeHandler) signOut(log zerolog.Logger, conn *realtime.Conn, sess *state.Session, req *realtime.Request) *realtime.Response {
	if err := h.Storage.SessionsTable.Delete(sess.TokenHash); err != nil {
		log.Err(err).Msg("failed to delete session")
		return realtime.NewResponse(req.RequestID, realtime.ActionSignOut, http.StatusInternalServerError, nil)
	}
	h.sessions.Delete(sess.Token)
	// queue the response ourselves: terminating the conn flushes the queue,
	// so the client sees the 200 before the socket closes
	if err := conn.Enqueue(realtime.NewResponse(req.RequestID, realtime.ActionSignOut, http.StatusOK, nil)); err != nil {
		log.Err(err).Msg("failed to queue sign out response")
	}
	h.ConnMap.Close(conn)
	return nil
}

func (h *RealtimeHandler) updateUser(ctx context.Context, conn *realtime.Conn, req *realtime.Request) *realtime.Response {
	var params realtime.UpdateUserParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.Username == nil && len(params.Profile) == 0 {
		return realtime.NewResponse(req.RequestID, realtime.ActionUpdateUser, http.StatusBadRequest, "Nothing to update")
	}
	if params.Username != nil && *params.Username == "" {
		return realtime.NewResponse(req.RequestID, realtime.ActionUpdateUser, http.StatusBadRequest, "Username cannot be blank")
	}
	err := h.Storage.UpdateUser(conn.UserID, params.Username, params.Profile)
	switch {
	case err == state.ErrUsernameTaken:
		return realtime.NewResponse(req.RequestID, realtime.ActionUpdateUser, http.StatusConflict, "Username already exists")
	case err == sql.ErrNoRows:
		return realtime.NewResponse(req.RequestID, realtime.ActionUpdateUser, http.StatusBadRequest, "Unknown user")
	case err != nil:
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		internal.DecorateLogger(ctx, logger.Err(err)).Msg("failed to update user")
		return realtime.NewResponse(req.RequestID, realtime.ActionUpdateUser, http.StatusInternalServerError, nil)
	}
	return realtime.NewResponse(req.RequestID, realtime.ActionUpdateUser, http.StatusOK, nil)
}

func (h *RealtimeHandler) deleteUser(ctx context.Context, log zerolog.Logger, conn *realtime.Conn, req *realtime.Request) *realtime.Response {
	err := h.Storage.DeleteUser(conn.UserID)
	if err == sql.ErrNoRows {
		return realtime.NewResponse(req.RequestID, realtime.ActionDeleteUser, http.StatusBadRequest, "Unknown user")
	}
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		log.Err(err).Msg("failed to delete user")
		return realtime.NewResponse(req.RequestID, realtime.ActionDeleteUser, http.StatusInternalServerError, nil)
	}
	h.purgeUserSessions(conn.UserID)
	// respond before the deletion notification tears this conn down with
	// the rest; the close flushes the queue
	if err := conn.Enqueue(realtime.NewResponse(req.RequestID, realtime.ActionDeleteUser, http.StatusOK, nil)); err != nil {
		log.Err(err).Msg("failed to queue delete user response")
	}
	if err := h.Notifier.Notify(pubsub.ChanCommits, &pubsub.UserDeleted{UserID: conn.UserID}); err != nil {
		log.Err(err).Msg("failed to notify user deletion")
	}
	return nil
}

// purgeUserSessions drops the user's cached sessions so revoked tokens stop
// working immediately rather than when the cache entry expires.
func (h *RealtimeHandler) purgeUserSessions(userID string) {
	var tokens []string
	h.sessions.Range(func(item *ttlcache.Item[string, *state.Session]) bool {
		if item.Value().UserID == userID {
			tokens = append(tokens, item.Key())
		}
		return true
	})
	for _, token := range tokens {
		h.sessions.Delete(token)
	}
}

func (h *RealtimeHandler) getPasswordSalts(ctx context.Context, conn *realtime.Conn, req *realtime.Request) *realtime.Response {
	user, err := h.Storage.UsersTable.Select(conn.UserID)
	if err == sql.ErrNoRows {
		return realtime.NewResponse(req.RequestID, realtime.ActionGetPasswordSalts, http.StatusBadRequest, "Unknown user")
	}
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		internal.DecorateLogger(ctx, logger.Err(err)).Msg("failed to load user")
		return realtime.NewResponse(req.RequestID, realtime.ActionGetPasswordSalts, http.StatusInternalServerError, nil)
	}
	if user.DeletedAt != nil {
		return realtime.NewResponse(req.RequestID, realtime.ActionGetPasswordSalts, http.StatusBadRequest, "Unknown user")
	}
	salts, err := user.Salts()
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		internal.DecorateLogger(ctx, logger.Err(err)).Msg("stored key salts do not parse")
		return realtime.NewResponse(req.RequestID, realtime.ActionGetPasswordSalts, http.StatusInternalServerError, nil)
	}
	return realtime.NewResponse(req.RequestID, realtime.ActionGetPasswordSalts, http.StatusOK, salts.PasswordSalts())
}

func (h *RealtimeHandler) openDatabase(ctx context.Context, log zerolog.Logger, conn *realtime.Conn, req *realtime.Request) *realtime.Response {
	var params realtime.OpenDatabaseParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.DBNameHash == "" {
		return realtime.NewResponse(req.RequestID, realtime.ActionOpenDatabase, http.StatusBadRequest, "Database name hash missing")
	}
	row, created, err := h.Storage.OpenDatabase(conn.UserID, params.DBNameHash, params.NewDatabaseID)
	if err == sql.ErrNoRows {
		return realtime.NewResponse(req.RequestID, realtime.ActionOpenDatabase, http.StatusNotFound, "Database not found")
	}
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		log.Err(err).Msg("failed to open database")
		return realtime.NewResponse(req.RequestID, realtime.ActionOpenDatabase, http.StatusInternalServerError, nil)
	}
	conn.OpenDB(row.ID, params.DBNameHash)
	if created {
		log.Info().Str("db", row.ID).Msg("database created")
	}
	if params.ReopenAtSeqNo != nil {
		if resp := h.replay(ctx, log, conn, req, row.ID, *params.ReopenAtSeqNo); resp != nil {
			return resp
		}
		if conn.Closed() {
			return nil
		}
	}
	return realtime.NewResponse(req.RequestID, realtime.ActionOpenDatabase, http.StatusOK, &realtime.OpenDatabaseResult{
		DBID:        row.ID,
		LatestSeqNo: row.LatestSeq,
		BundleSeqNo: row.BundleSeq,
	})
}

// replay queues the catch-up pushes for a reopened database: the stored
// bundle when it covers more than the client has, then the log tail in
// chunks. Returns a non-nil response only on error; a conn which cannot
// absorb its own replay is closed.
func (h *RealtimeHandler) replay(ctx context.Context, log zerolog.Logger, conn *realtime.Conn, req *realtime.Request, dbID string, afterSeq int64) *realtime.Response {
	bundle, txns, err := h.Storage.ReplayFrom(conn.UserID, dbID, afterSeq)
	if err == state.ErrNotOwner {
		return realtime.NewResponse(req.RequestID, realtime.ActionOpenDatabase, http.StatusUnauthorized, "Database not owned")
	}
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		log.Err(err).Str("db", dbID).Msg("failed to replay log")
		return realtime.NewResponse(req.RequestID, realtime.ActionOpenDatabase, http.StatusInternalServerError, nil)
	}
	if bundle != nil {
		err := conn.Enqueue(&realtime.ApplyBundlePush{
			Route:  realtime.RouteApplyBundle,
			DBID:   dbID,
			SeqNo:  bundle.Seq,
			Bundle: bundle.Bundle,
		})
		if err != nil {
			h.ConnMap.Close(conn)
			return nil
		}
	}
	for start := 0; start < len(txns); start += replayChunkSize {
		end := start + replayChunkSize
		if end > len(txns) {
			end = len(txns)
		}
		err := conn.Enqueue(&realtime.ApplyTransactionsPush{
			Route:        realtime.RouteApplyTransactions,
			DBID:         dbID,
			Transactions: txns[start:end],
		})
		if err != nil {
			h.ConnMap.Close(conn)
			return nil
		}
	}
	return nil
}

func (h *RealtimeHandler) command(ctx context.Context, conn *realtime.Conn, req *realtime.Request, action realtime.Action) *realtime.Response {
	var params realtime.CommandParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.DBID == "" || params.ItemKey == "" {
		return realtime.NewResponse(req.RequestID, action, http.StatusBadRequest, "dbId and itemKey are required")
	}
	if !conn.HasDB(params.DBID) {
		return realtime.NewResponse(req.RequestID, action, http.StatusBadRequest, "Database is not open")
	}
	record := params.Record
	if action == realtime.ActionDelete {
		record = nil // deletes are tombstones, the record is gone
	} else if len(record) == 0 {
		return realtime.NewResponse(req.RequestID, action, http.StatusBadRequest, "Record missing")
	}
	return h.commit(ctx, conn, req, params.DBID, []state.PendingTransaction{{
		Command: string(action),
		ItemKey: params.ItemKey,
		Record:  record,
	}})
}

func (h *RealtimeHandler) batchTransaction(ctx context.Context, conn *realtime.Conn, req *realtime.Request) *realtime.Response {
	var params realtime.BatchTransactionParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.DBID == "" {
		return realtime.NewResponse(req.RequestID, realtime.ActionBatchTransaction, http.StatusBadRequest, "dbId is required")
	}
	if !conn.HasDB(params.DBID) {
		return realtime.NewResponse(req.RequestID, realtime.ActionBatchTransaction, http.StatusBadRequest, "Database is not open")
	}
	if len(params.Operations) == 0 {
		return realtime.NewResponse(req.RequestID, realtime.ActionBatchTransaction, http.StatusBadRequest, "Empty batch")
	}
	ops := make([]state.PendingTransaction, len(params.Operations))
	for i, op := range params.Operations {
		if !internal.ValidCommand(op.Command) {
			return realtime.NewResponse(req.RequestID, realtime.ActionBatchTransaction, http.StatusBadRequest,
				fmt.Sprintf("Unrecognized command %q", op.Command))
		}
		if op.ItemKey == "" {
			return realtime.NewResponse(req.RequestID, realtime.ActionBatchTransaction, http.StatusBadRequest, "itemKey is required")
		}
		record := op.Record
		if op.Command == internal.CommandDelete {
			record = nil
		} else if len(record) == 0 {
			return realtime.NewResponse(req.RequestID, realtime.ActionBatchTransaction, http.StatusBadRequest, "Record missing")
		}
		ops[i] = state.PendingTransaction{
			Command: op.Command,
			ItemKey: op.ItemKey,
			Record:  record,
		}
	}
	return h.commit(ctx, conn, req, params.DBID, ops)
}

// commit appends ops to the database's log, retrying lost sequence races a
// bounded number of times, then announces the commit so fanout happens
// locally and on peer instances.
func (h *RealtimeHandler) commit(ctx context.Context, conn *realtime.Conn, req *realtime.Request, dbID string, ops []state.PendingTransaction) *realtime.Response {
	ctx, task := internal.StartTask(ctx, "commit")
	defer task.End()
	action := realtime.Action(req.Action)
	var committed []internal.Transaction
	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		committed, err = h.Storage.AppendTransactions(conn.UserID, dbID, ops)
		if err != state.ErrWriteConflict {
			break
		}
	}
	switch {
	case err == state.ErrWriteConflict:
		return realtime.NewResponse(req.RequestID, action, http.StatusServiceUnavailable, "Database is too busy, retry")
	case err == sql.ErrNoRows:
		return realtime.NewResponse(req.RequestID, action, http.StatusNotFound, "Database not found")
	case err == state.ErrNotOwner:
		return realtime.NewResponse(req.RequestID, action, http.StatusUnauthorized, "Database not owned")
	case err != nil:
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		internal.DecorateLogger(ctx, logger.Err(err)).Msg("commit failed")
		return realtime.NewResponse(req.RequestID, action, http.StatusInternalServerError, nil)
	}
	head := committed[len(committed)-1].SeqNo
	internal.SetRequestContextCommit(ctx, dbID, head, len(committed))
	internal.Logf(ctx, "commit", "committed %d txns up to seq %d", len(committed), head)
	err = h.Notifier.Notify(pubsub.ChanCommits, &pubsub.TransactionsCommitted{
		UserID:       conn.UserID,
		DBID:         dbID,
		Transactions: committed,
	})
	if err != nil {
		// the commit stands; devices that miss the push catch up on reopen
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		internal.DecorateLogger(ctx, logger.Err(err)).Msg("failed to notify commit")
	}
	return realtime.NewResponse(req.RequestID, action, http.StatusOK, &realtime.CommitResult{
		DBID:  dbID,
		SeqNo: head,
	})
}

func (h *RealtimeHandler) bundle(ctx context.Context, conn *realtime.Conn, req *realtime.Request) *realtime.Response {
	var params realtime.BundleParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.DBID == "" || params.Bundle == "" {
		return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusBadRequest, "dbId and bundle are required")
	}
	if params.SeqNo <= 0 {
		return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusBadRequest, "Invalid seqNo")
	}
	if !conn.HasDB(params.DBID) {
		return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusBadRequest, "Database is not open")
	}
	err := h.Storage.BundleTransactionLog(conn.UserID, params.DBID, params.SeqNo, params.Bundle)
	switch {
	case err == state.ErrBundleNotMonotonic:
		return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusBadRequest, "Bundle is behind the stored bundle")
	case err == state.ErrBundleAheadOfLog:
		return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusBadRequest, "Bundle is ahead of the log")
	case err == sql.ErrNoRows:
		return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusNotFound, "Database not found")
	case err == state.ErrNotOwner:
		return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusUnauthorized, "Database not owned")
	case err != nil:
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		internal.DecorateLogger(ctx, logger.Err(err)).Msg("failed to store bundle")
		return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusInternalServerError, nil)
	}
	return realtime.NewResponse(req.RequestID, realtime.ActionBundle, http.StatusOK, nil)
}
