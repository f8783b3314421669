package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/pkg/models"
	"github.com/mnemos-ai/mnemos/pkg/twin"
)

// session owns one WebSocket connection. The read loop is the single
// goroutine that mutates protocol state; turns run in their own goroutine
// and report back through finishTurn.
type session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendCh    chan any
	closeSlow sync.Once

	mu           sync.Mutex
	verified     bool
	baseScope    models.Scope
	division     string
	nextDivision *string
	inFlight     bool
	pending      *clientFrame
	turnCount    int
	toolCalls    int

	connectedAt time.Time
}

// handleSession runs the connection lifecycle and blocks until the socket
// closes.
func (s *Server) handleSession(parentCtx context.Context, conn *websocket.Conn, sessionID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	connID := uuid.New().String()
	sess := &session{
		id:          sessionID,
		server:      s,
		conn:        conn,
		logger:      s.logger.With("session_id", sessionID, "connection_id", connID),
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan any, s.sendBuffer),
		connectedAt: time.Now(),
	}
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	go sess.sendLoop()

	sess.send(connectedFrame{Type: "connected"})

	var readErr error
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			readErr = err
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.sendError(CodeBadRequest, "malformed frame")
			continue
		}
		sess.handleFrame(frame)
	}

	// A client that said goodbye gets its analytics; an abrupt disconnect
	// has nobody left to read them.
	switch websocket.CloseStatus(readErr) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		sess.writeAnalytics()
	}
}

func (sess *session) handleFrame(frame clientFrame) {
	switch frame.Type {
	case framePing:
		sess.send(pongFrame{Type: "pong"})
	case frameVerify:
		sess.handleVerify(frame)
	case frameSetDivision:
		sess.handleSetDivision(frame)
	case frameMessage:
		sess.handleMessage(frame)
	default:
		sess.sendError(CodeBadRequest, "unknown frame type")
	}
}

func (sess *session) handleVerify(frame clientFrame) {
	scope, err := sess.server.resolver.Resolve(sess.ctx, frame.Credential)
	if err != nil {
		sess.logger.Warn("credential rejected", "error", err)
		sess.sendError(CodeUnauthorized, "credential rejected")
		return
	}

	sess.mu.Lock()
	sess.verified = true
	sess.baseScope = scope
	sess.mu.Unlock()

	sess.send(verifiedFrame{
		Type: "verified",
		Scope: scopeSummary{
			TenantID:    scope.TenantID,
			UserID:      scope.UserID,
			Departments: scope.AllowedDepartments,
		},
	})
}

// handleSetDivision narrows the department context. While a turn is in
// flight the change is held and applied when the turn completes, so the
// running turn keeps the scope it started with.
func (sess *session) handleSetDivision(frame clientFrame) {
	sess.mu.Lock()
	if !sess.verified {
		sess.mu.Unlock()
		sess.sendError(CodeUnauthorized, "verify required")
		return
	}
	if sess.inFlight {
		div := frame.Division
		sess.nextDivision = &div
		sess.mu.Unlock()
		return
	}
	sess.division = frame.Division
	sess.mu.Unlock()
}

func (sess *session) handleMessage(frame clientFrame) {
	sess.mu.Lock()
	if !sess.verified {
		sess.mu.Unlock()
		sess.sendError(CodeUnauthorized, "verify required")
		return
	}
	if sess.inFlight {
		if sess.server.queueTurns && sess.pending == nil {
			sess.pending = &frame
			sess.mu.Unlock()
			return
		}
		sess.mu.Unlock()
		sess.sendError(CodeTurnInFlight, "a turn is already in flight")
		return
	}
	sess.inFlight = true
	scope := sess.turnScopeLocked(frame.Division)
	sess.mu.Unlock()

	go sess.runTurn(frame.Content, scope)
}

// turnScopeLocked derives the effective scope for one turn. A division on
// the message frame overrides the session division for that turn only.
func (sess *session) turnScopeLocked(frameDivision string) models.Scope {
	div := sess.division
	if frameDivision != "" {
		div = frameDivision
	}
	return sess.baseScope.WithDivision(div)
}

func (sess *session) runTurn(content string, scope models.Scope) {
	defer sess.finishTurn()

	turnCtx, cancel := context.WithTimeout(sess.ctx, sess.server.turnDeadline)
	defer cancel()

	tw := sess.server.twins.TwinFor(scope.Tenant())
	ch, err := tw.Think(turnCtx, twin.ThinkInput{
		SessionID: sess.id,
		Scope:     scope,
		Content:   content,
	})
	if err != nil {
		sess.logger.Error("turn failed to start", "error", err)
		sess.sendError(CodeInternal, "turn failed to start")
		sess.send(streamChunkFrame{Type: "stream_chunk", Done: true})
		return
	}

	for chunk := range ch {
		switch v := chunk.(type) {
		case *twin.TextChunk:
			sess.send(streamChunkFrame{Type: "stream_chunk", Content: v.Content})
		case *twin.MetaChunk:
			sess.send(cognitiveStateFrame{
				Type:       "cognitive_state",
				Phase:      string(v.Phase),
				ToolsUsed:  v.ToolsUsed,
				Escalation: v.Escalation,
			})
			sess.mu.Lock()
			sess.toolCalls += len(v.ToolsUsed)
			sess.mu.Unlock()
		case *twin.ErrorChunk:
			code := v.Code
			if code == "" {
				code = CodeInternal
			}
			sess.sendError(code, v.Message)
		}
	}
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		sess.sendError(CodeDeadline, "turn deadline exceeded")
	}

	sess.send(streamChunkFrame{Type: "stream_chunk", Done: true})
}

// finishTurn closes out the turn: counts it, applies any held division
// change, and dequeues the pending message when queue mode holds one.
func (sess *session) finishTurn() {
	sess.mu.Lock()
	sess.turnCount++
	if sess.nextDivision != nil {
		sess.division = *sess.nextDivision
		sess.nextDivision = nil
	}
	next := sess.pending
	sess.pending = nil
	if next == nil {
		sess.inFlight = false
		sess.mu.Unlock()
		return
	}
	scope := sess.turnScopeLocked(next.Division)
	sess.mu.Unlock()

	go sess.runTurn(next.Content, scope)
}

func (sess *session) sendLoop() {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case frame := <-sess.sendCh:
			data, err := json.Marshal(frame)
			if err != nil {
				sess.logger.Warn("failed to marshal frame", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(sess.ctx, sess.server.writeTimeout)
			err = sess.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					sess.slowConsumerClose()
				}
				return
			}
		}
	}
}

// send enqueues a frame. A buffer that stays full past the write timeout
// means the client is not draining; the connection is closed as a slow
// consumer.
func (sess *session) send(frame any) bool {
	select {
	case sess.sendCh <- frame:
		return true
	case <-sess.ctx.Done():
		return false
	default:
	}

	t := time.NewTimer(sess.server.writeTimeout)
	defer t.Stop()
	select {
	case sess.sendCh <- frame:
		return true
	case <-sess.ctx.Done():
		return false
	case <-t.C:
		sess.slowConsumerClose()
		return false
	}
}

func (sess *session) sendError(code, message string) {
	sess.send(errorFrame{Type: "error", Code: code, Message: message})
}

func (sess *session) slowConsumerClose() {
	sess.closeSlow.Do(func() {
		sess.logger.Warn("closing slow consumer")
		_ = sess.conn.Close(websocket.StatusTryAgainLater, "slow consumer")
		sess.cancel()
	})
}

// writeAnalytics sends the session summary directly, bypassing the send
// loop: it runs during teardown when the session context is about to die.
func (sess *session) writeAnalytics() {
	sess.mu.Lock()
	frame := sessionAnalyticsFrame{
		Type:              "session_analytics",
		SessionDurationMS: time.Since(sess.connectedAt).Milliseconds(),
		TurnCount:         sess.turnCount,
		ToolInvocations:   sess.toolCalls,
	}
	sess.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = sess.conn.Write(ctx, websocket.MessageText, data)
}
