package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor/answer"
	"github.com/stemsi/exstem-proctor/internal/proctor/media"
	"github.com/stemsi/exstem-proctor/internal/proctor/session"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	sessionLockTTL     = 45 * time.Second
	sessionLockRefresh = 15 * time.Second
	lockReleaseTimeout = 3 * time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler hosts exam sessions over WebSocket. Each connection drives one
// session engine; the client is the taker's device.
type WSHandler struct {
	rdb      *redis.Client
	backends SessionBackends
	proctor  config.ProctorConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader

	active   atomic.Int64
	sessions sync.WaitGroup
	base     context.Context
	stop     context.CancelFunc
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(rdb *redis.Client, backends SessionBackends, proctor config.ProctorConfig, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	base, stop := context.WithCancel(context.Background())
	return &WSHandler{
		rdb:      rdb,
		backends: backends,
		proctor:  proctor,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
		base:     base,
		stop:     stop,
	}
}

// Shutdown closes every hosted connection and waits until their sessions
// have flushed, or ctx ends. Hijacked connections are not covered by
// http.Server.Shutdown.
func (h *WSHandler) Shutdown(ctx context.Context) error {
	h.stop()
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions is the number of sessions currently hosted.
func (h *WSHandler) ActiveSessions() int64 { return h.active.Load() }

// ExamSessionStream godoc
// WS /ws/v1/student/exams/:exam_id/session
// Upgrades to WebSocket and hosts the student's exam session. Only one
// connection per student and exam is served at a time.
func (h *WSHandler) ExamSessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(ws.MaxMessageBytes)

	h.sessions.Add(1)
	defer h.sessions.Done()
	unregister := context.AfterFunc(h.base, func() { conn.Close() })
	defer unregister()

	studentID := claims.UserID
	sessLog := logger.ForSession(h.log, examID, studentID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	lock, err := service.AcquireSessionLock(ctx, h.rdb, examID, studentID, sessionLockTTL)
	if errors.Is(err, service.ErrSessionActive) {
		sessLog.Warn().Msg("Rejected second session connection")
		ws.WriteError(conn, response.GetMessage(response.ErrSessionActive))
		return
	}
	if err != nil {
		sessLog.Error().Err(err).Msg("Failed to acquire session lock")
		ws.WriteError(conn, response.GetMessage(response.ErrInternal))
		return
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer releaseCancel()
		if err := lock.Release(releaseCtx); err != nil {
			sessLog.Warn().Err(err).Msg("Failed to release session lock")
		}
	}()
	go h.keepLock(ctx, lock, conn, sessLog)

	tr := ws.NewTransport(conn, sessLog)
	go tr.Run()
	defer tr.Close()

	backend := h.backends.ForStudent(studentID)
	sess := session.New(h.proctor.Session(examID), session.Deps{
		Exams:      backend,
		Monitoring: backend,
		Uploader:   backend,
		Platform:   tr,
		UI:         tr,
		Log:        sessLog,
	})
	defer sess.Close()

	h.active.Add(1)
	defer h.active.Add(-1)
	sessLog.Info().Msg("Student connected")

	if err := sess.Load(ctx); err != nil {
		// The load error has already been shown; the client retries by
		// reconnecting.
		return
	}

	d := &dispatcher{sess: sess, tr: tr, ctx: ctx, log: sessLog}
	defer func() {
		cancel()
		tr.Close()
		d.wait()
	}()

	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sessLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				sessLog.Debug().Msg("Connection closed")
			}
			return
		}

		select {
		case <-tr.Done():
			return
		default:
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			tr.Fail("", "", response.GetMessage(response.ErrInvalidPayload), nil)
			continue
		}
		d.handle(env, data)
	}
}

// keepLock extends the session lock until ctx ends. Losing the lock closes
// the connection, which ends the read loop.
func (h *WSHandler) keepLock(ctx context.Context, lock *service.SessionLock, conn *websocket.Conn, log zerolog.Logger) {
	ticker := time.NewTicker(sessionLockRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := lock.Refresh(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to refresh session lock")
				continue
			}
			if !held {
				log.Warn().Msg("Session lock lost, closing connection")
				conn.Close()
				return
			}
		}
	}
}

// ─── Action dispatch ────────────────────────────────────────────────

// dispatcher routes client actions to the session. Actions that wait on a
// device command run off the read loop, which must stay free to deliver
// the command_result.
type dispatcher struct {
	sess *session.Session
	tr   *ws.Transport
	ctx  context.Context
	log  zerolog.Logger
	bg   sync.WaitGroup
}

func (d *dispatcher) wait() { d.bg.Wait() }

func (d *dispatcher) async(env ws.RequestEnvelope, fn func() (any, error)) {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		d.reply(env, fn)
	}()
}

func (d *dispatcher) reply(env ws.RequestEnvelope, fn func() (any, error)) {
	data, err := fn()
	if err != nil {
		var fe fieldErrors
		if errors.As(err, &fe) {
			d.tr.Fail(env.Action, env.Ref, response.GetMessage(response.ErrValidation), fe)
			return
		}
		d.log.Debug().Err(err).Str("action", string(env.Action)).Msg("Action rejected")
		d.tr.Fail(env.Action, env.Ref, actionMessage(err), nil)
		return
	}
	d.tr.Ack(env.Action, env.Ref, data)
}

func (d *dispatcher) handle(env ws.RequestEnvelope, raw []byte) {
	s := d.sess
	switch env.Action {
	case ws.ActionPing:
		d.tr.Send(ws.PongEvent{Event: ws.EventPong, Ref: env.Ref})

	case ws.ActionCommandResult:
		var req ws.CommandResultRequest
		if err := decode(raw, &req); err != nil {
			d.reply(env, func() (any, error) { return nil, err })
			return
		}
		if !d.tr.Resolve(req) {
			d.log.Debug().Uint64("command_id", req.ID).Msg("Unmatched command result")
		}

	case ws.ActionSystemCheck:
		d.reply(env, func() (any, error) {
			var req ws.SystemCheckRequest
			if err := decode(raw, &req); err != nil {
				return nil, err
			}
			missing, err := s.RunSystemCheck(req.Checks)
			if errors.Is(err, session.ErrChecksFailed) {
				return gin.H{"passed": false, "missing": missing}, nil
			}
			if err != nil {
				return nil, err
			}
			return gin.H{"passed": true, "missing": []string{}}, nil
		})

	case ws.ActionAccept:
		d.reply(env, func() (any, error) { return nil, s.AcceptInstructions() })

	case ws.ActionBack:
		d.reply(env, func() (any, error) { return nil, s.BackToSetup() })

	case ws.ActionPhoto:
		var req ws.FrameRequest
		if err := decode(raw, &req); err != nil {
			d.reply(env, func() (any, error) { return nil, err })
			return
		}
		d.async(env, func() (any, error) {
			id, err := s.CapturePreExamPhoto(d.ctx, frameOf(req))
			if err != nil {
				return nil, err
			}
			return gin.H{"media_id": id}, nil
		})

	case ws.ActionMicTest:
		d.reply(env, func() (any, error) {
			var req ws.AudioRequest
			if err := decode(raw, &req); err != nil {
				return nil, err
			}
			level, ok := s.MicrophoneTest(audioOf(req))
			return gin.H{"level": level, "ok": ok}, nil
		})

	case ws.ActionStart:
		d.async(env, func() (any, error) { return nil, s.Start(d.ctx) })

	case ws.ActionAnswer:
		d.reply(env, func() (any, error) {
			var req ws.AnswerRequest
			if err := decode(raw, &req); err != nil {
				return nil, err
			}
			return nil, s.SetAnswerInput(uuid.MustParse(req.QuestionID), req.Value)
		})

	case ws.ActionNavigate:
		d.reply(env, func() (any, error) {
			var req ws.NavigateRequest
			if err := decode(raw, &req); err != nil {
				return nil, err
			}
			switch {
			case req.Index != nil:
				return nil, s.Navigate(*req.Index)
			case req.Direction == "next":
				return nil, s.Next()
			case req.Direction == "previous":
				return nil, s.Previous()
			}
			return nil, fieldErrors{"index": "index atau direction wajib diisi"}
		})

	case ws.ActionFlag:
		d.reply(env, func() (any, error) {
			var req ws.FlagRequest
			if err := decode(raw, &req); err != nil {
				return nil, err
			}
			flagged, err := s.ToggleFlag(uuid.MustParse(req.QuestionID))
			if err != nil {
				return nil, err
			}
			return gin.H{"flagged": flagged}, nil
		})

	case ws.ActionSubmit:
		d.async(env, func() (any, error) { return nil, s.Submit(d.ctx, session.ReasonManual) })

	case ws.ActionReturnFullscreen:
		d.async(env, func() (any, error) { return nil, s.ReturnToFullscreen() })

	case ws.ActionVisibility:
		var req ws.VisibilityRequest
		if err := decode(raw, &req); err != nil {
			d.reply(env, func() (any, error) { return nil, err })
			return
		}
		if req.Poll {
			s.ReportVisibility(req.Hidden)
		} else {
			s.Visibility(req.Hidden)
		}

	case ws.ActionBlur:
		s.Blur()

	case ws.ActionFocus:
		s.Focus()

	case ws.ActionFullscreen:
		var req ws.FullscreenRequest
		if err := decode(raw, &req); err != nil {
			d.reply(env, func() (any, error) { return nil, err })
			return
		}
		s.FullscreenChanged(req.Fullscreen)

	case ws.ActionKey:
		d.reply(env, func() (any, error) {
			var req ws.KeyRequest
			if err := decode(raw, &req); err != nil {
				return nil, err
			}
			return gin.H{"suppress": s.Key(req.Combo)}, nil
		})

	case ws.ActionTouch:
		d.reply(env, func() (any, error) {
			var req ws.TouchRequest
			if err := decode(raw, &req); err != nil {
				return nil, err
			}
			return gin.H{"reject": s.Touch(req.Points)}, nil
		})

	case ws.ActionFrame:
		var req ws.FrameRequest
		if err := decode(raw, &req); err != nil {
			d.reply(env, func() (any, error) { return nil, err })
			return
		}
		if err := s.PushFrame(frameOf(req)); err != nil && !errors.Is(err, media.ErrClosed) {
			d.log.Debug().Err(err).Msg("Frame dropped")
		}

	case ws.ActionAudio:
		var req ws.AudioRequest
		if err := decode(raw, &req); err != nil {
			d.reply(env, func() (any, error) { return nil, err })
			return
		}
		if err := s.PushAudio(audioOf(req)); err != nil && !errors.Is(err, media.ErrClosed) {
			d.log.Debug().Err(err).Msg("Audio chunk dropped")
		}

	default:
		d.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		d.tr.Fail(env.Action, env.Ref, "aksi tidak dikenal: "+string(env.Action), nil)
	}
}

// fieldErrors carries translated validation failures of an action payload.
type fieldErrors map[string]string

func (fieldErrors) Error() string { return "invalid action payload" }

// decode unmarshals and validates an action payload.
func decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fieldErrors{"payload": err.Error()}
	}
	if fields := validator.Struct(dst); fields != nil {
		return fieldErrors(fields)
	}
	return nil
}

func frameOf(req ws.FrameRequest) media.Frame {
	faces := media.FacesUnknown
	if req.Faces != nil {
		faces = *req.Faces
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return media.Frame{
		Data:        req.Data,
		ContentType: contentType,
		Width:       req.Width,
		Height:      req.Height,
		Faces:       faces,
		CapturedAt:  req.CapturedAt,
	}
}

func audioOf(req ws.AudioRequest) media.AudioChunk {
	return media.AudioChunk{
		Samples:    req.Samples,
		SampleRate: req.SampleRate,
		CapturedAt: req.CapturedAt,
	}
}

// actionMessage is the taker-facing text of a rejected action.
func actionMessage(err error) string {
	var se *session.Error
	if errors.As(err, &se) {
		return se.Message()
	}
	switch {
	case errors.Is(err, session.ErrNotLoaded):
		return "Ujian belum dimuat."
	case errors.Is(err, session.ErrInvalidPhase):
		return "Aksi ini tidak tersedia pada tahap ujian saat ini."
	case errors.Is(err, session.ErrNotAccepted):
		return "Anda harus menyetujui tata tertib ujian terlebih dahulu."
	case errors.Is(err, session.ErrOutOfRange):
		return "Nomor soal tidak valid."
	case errors.Is(err, session.ErrNavigationBlocked):
		return "Ujian ini tidak mengizinkan kembali ke soal sebelumnya."
	case errors.Is(err, session.ErrUnknownQuestion):
		return "Soal tidak ditemukan pada ujian ini."
	case errors.Is(err, session.ErrSubmitInProgress):
		return "Ujian sedang dikumpulkan."
	case errors.Is(err, session.ErrAlreadySubmitted):
		return response.GetMessage(response.ErrExamSubmitted)
	case errors.Is(err, session.ErrStartInProgress):
		return "Ujian sedang dimulai."
	case errors.Is(err, session.ErrNoFrame):
		return "Gambar kamera belum tersedia."
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, ws.ErrClosed):
		return "Sesi ujian telah ditutup."
	case errors.Is(err, answer.ErrInvalidAnswer):
		return response.GetMessage(response.ErrInvalidAnswer)
	case errors.Is(err, ws.ErrCommandFailed), errors.Is(err, context.DeadlineExceeded):
		return "Perangkat tidak merespons perintah."
	}
	return response.GetMessage(response.ErrInternal)
}
