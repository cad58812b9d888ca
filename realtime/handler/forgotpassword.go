package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"

	"github.com/lockbase/lockbase/internal"
	"github.com/lockbase/lockbase/realtime"
	"github.com/lockbase/lockbase/state"
)

const (
	// how long a client has to answer the forgot-password challenge before
	// the socket is torn down and the token dies with it
	forgotPasswordWindow = 2 * time.Minute
	// cooldown between token requests for the same (app, username), so the
	// channel cannot be used to hose an account with recovery attempts
	forgotPasswordCooldown = 30 * time.Second
	// hard socket read limit; the polite 5 KB gate happens after the read
	forgotPasswordHardLimit = 16 * 1024
)

// PasswordResetter is the out-of-band side of the forgot-password flow,
// invoked once a client proves possession of the decrypted token. Email
// delivery lives behind it.
type PasswordResetter interface {
	ResetPassword(user *state.UserRow) error
}

// ForgotPasswordHandler serves the single-shot forgot-password channel: it
// pushes an encrypted token, waits for exactly one frame proving the client
// decrypted it, and hangs up. Any protocol violation terminates the socket;
// there is no recovery path on this channel.
type ForgotPasswordHandler struct {
	Storage  *state.Storage
	Resetter PasswordResetter

	upgrader websocket.Upgrader
	attempts *ttlcache.Cache[string, struct{}]
}

func NewForgotPasswordHandler(store *state.Storage, resetter PasswordResetter) *ForgotPasswordHandler {
	h := &ForgotPasswordHandler{
		Storage:  store,
		Resetter: resetter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		attempts: ttlcache.New(ttlcache.WithTTL[string, struct{}](forgotPasswordCooldown)),
	}
	go h.attempts.Start()
	return h
}

func (h *ForgotPasswordHandler) Teardown() {
	h.attempts.Stop()
}

func (h *ForgotPasswordHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, err := h.lookupUser(req)
	if err != nil {
		herr, ok := err.(*internal.HandlerError)
		if !ok {
			herr = &internal.HandlerError{
				StatusCode: 500,
				Err:        err,
			}
		}
		hlog.FromRequest(req).Err(herr).Msg("refusing forgot password connection")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
		return
	}
	pubKey, err := btcec.ParsePubKey(user.PublicKey, btcec.S256())
	if err != nil {
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
	salts, err := user.Salts()
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		hlog.FromRequest(req).Err(err).Str("user", user.UserID).Msg("stored key salts do not parse")
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
		hlog.FromRequest(req).Err(err).Msg("failed to upgrade websocket")
		return
	}
	h.serveChallenge(req, ws, user, pubKey, salts)
}

func (h *ForgotPasswordHandler) lookupUser(req *http.Request) (*state.UserRow, error) {
	query := req.URL.Query()
	appID := query.Get("appId")
	username := query.Get("username")
	if appID == "" || username == "" {
		return nil, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("appId and username are required"),
		}
	}
	attemptKey := appID + "/" + username
	if h.attempts.Has(attemptKey) {
		return nil, &internal.HandlerError{
			StatusCode: http.StatusTooManyRequests,
			Err:        fmt.Errorf("too many forgot password requests, try again later"),
		}
	}
	user, err := h.Storage.UsersTable.SelectActiveByUsername(appID, username)
	if err == sql.ErrNoRows {
		return nil, &internal.HandlerError{
			StatusCode: 404,
			Err:        fmt.Errorf("unknown user"),
		}
	}
	if err != nil {
		return nil, err
	}
	h.attempts.Set(attemptKey, struct{}{}, ttlcache.DefaultTTL)
	return user, nil
}

func (h *ForgotPasswordHandler) serveChallenge(req *http.Request, ws *websocket.Conn, user *state.UserRow, pubKey *btcec.PublicKey, salts *internal.KeySalts) {
	defer ws.Close()
	log := hlog.FromRequest(req).With().Str("user", user.UserID).Logger()

	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		log.Err(err).Msg("failed to generate forgot password token")
		return
	}
	encryptedToken, err := btcec.Encrypt(pubKey, token)
	if err != nil {
		log.Err(err).Msg("failed to encrypt forgot password token")
		return
	}
	if !h.write(ws, &realtime.ReceiveEncryptedTokenPush{
		Route:                        realtime.RouteReceiveEncryptedToken,
		DHKeySalt:                    salts.DHKeySalt,
		EncryptedForgotPasswordToken: base64.StdEncoding.EncodeToString(encryptedToken),
	}) {
		return
	}

	// exactly one frame is allowed, inside the validity window
	ws.SetReadLimit(forgotPasswordHardLimit)
	ws.SetReadDeadline(time.Now().Add(forgotPasswordWindow))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		log.Info().Err(err).Msg("forgot password channel closed without an answer")
		return
	}
	if len(msg) > realtime.MaxForgotPasswordSize {
		log.Error().Int("size", len(msg)).Msg("oversized forgot password frame")
		h.fail(ws, http.StatusBadRequest, "Max payload size exceeded")
		return
	}
	if action := gjson.GetBytes(msg, "action").Str; action != "ForgotPassword" {
		log.Error().Str("action", action).Msg("unexpected action on forgot password channel")
		h.fail(ws, http.StatusBadRequest, "Unrecognized action")
		return
	}
	var frame realtime.Request
	if err := json.Unmarshal(msg, &frame); err != nil {
		h.fail(ws, http.StatusBadRequest, "Unable to parse message")
		return
	}
	var params realtime.ForgotPasswordTokenFrame
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		h.fail(ws, http.StatusBadRequest, "Malformed params")
		return
	}
	provided, err := base64.StdEncoding.DecodeString(params.Token)
	if err != nil {
		h.fail(ws, http.StatusBadRequest, "Malformed token")
		return
	}
	if subtle.ConstantTimeCompare(provided, token) != 1 {
		log.Info().Msg("forgot password token mismatch")
		h.fail(ws, http.StatusUnauthorized, "Invalid token")
		return
	}
	if h.Resetter != nil {
		if err := h.Resetter.ResetPassword(user); err != nil {
			internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
			log.Err(err).Msg("password reset failed")
			h.fail(ws, http.StatusInternalServerError, nil)
			return
		}
	}
	log.Info().Msg("forgot password token confirmed")
	h.write(ws, &realtime.SuccessfullyForgotPasswordPush{
		Route: realtime.RouteSuccessfullyForgotPassword,
		Response: realtime.ResponseBody{
			Status: http.StatusOK,
		},
	})
}

// write sends one frame; this channel is strictly sequential so no writer
// goroutine is needed.
func (h *ForgotPasswordHandler) write(ws *websocket.Conn, v interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		return false
	}
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, msg) == nil
}

// fail pushes a terminal error frame; the deferred close hangs up after.
func (h *ForgotPasswordHandler) fail(ws *websocket.Conn, status int, data interface{}) {
	h.write(ws, &realtime.ErrorPush{
		Route:  realtime.RouteError,
		Status: status,
		Data:   data,
	})
}
