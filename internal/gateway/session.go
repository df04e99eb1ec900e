package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/model"
)

// Session message types.
const (
	MessageReady   = "ready"
	MessageCommand = "command"
	MessageOutput  = "output"
	MessageError   = "error"
	MessageTimeout = "timeout"
)

// Conn is the message transport of a terminal session. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type inbound struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type readyMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
}

type outputMessage struct {
	Type string `json:"type"`
	*Result
}

type errorMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

// SessionInfo describes an active session.
type SessionInfo struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	UserID     int64     `json:"user_id"`
	OpenedAt   time.Time `json:"opened_at"`
	LastActive time.Time `json:"last_active"`
	Commands   int       `json:"commands"`
}

// Session is an authorized terminal bound to one device and one caller.
type Session struct {
	id       string
	device   string
	label    string
	userID   int64
	openedAt time.Time

	registry *Sessions

	mu         sync.Mutex
	conn       Conn
	cancel     context.CancelFunc
	closed     bool
	lastActive time.Time
	commands   int
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		DeviceID:   s.device,
		UserID:     s.userID,
		OpenedAt:   s.openedAt,
		LastActive: s.lastActive,
		Commands:   s.commands,
	}
}

// Sessions tracks open terminal sessions.
type Sessions struct {
	gateway *Gateway
	idle    time.Duration

	mu     sync.Mutex
	active map[string]*Session
}

// NewSessions creates a session registry. Sessions close after idle without
// an inbound message.
func NewSessions(g *Gateway, idle time.Duration) *Sessions {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Sessions{
		gateway: g,
		idle:    idle,
		active:  make(map[string]*Session),
	}
}

// Open authorizes callerID on deviceID and registers a new session.
func (r *Sessions) Open(ctx context.Context, deviceID string, callerID int64) (*Session, error) {
	device, caller, err := r.gateway.Authorize(ctx, deviceID, callerID)
	if err != nil {
		return nil, err
	}

	label := device.Name
	if label == "" {
		label = device.DeviceID
	}
	now := r.gateway.now()
	s := &Session{
		id:         uuid.NewString(),
		device:     device.DeviceID,
		label:      label,
		userID:     caller.ID,
		openedAt:   now,
		lastActive: now,
		registry:   r,
	}

	r.mu.Lock()
	r.active[s.id] = s
	r.mu.Unlock()

	r.gateway.log.Info().Str("session", s.id).Str("device_id", s.device).Int64("user_id", s.userID).Msg("terminal session opened")
	return s, nil
}

// List returns the active sessions ordered by opening time.
func (r *Sessions) List() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].OpenedAt.Before(infos[j].OpenedAt) })
	return infos
}

// Close terminates a session by id.
func (r *Sessions) Close(id string) error {
	r.mu.Lock()
	s, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %q", apperr.ErrNotFound, id)
	}
	s.Close()
	return nil
}

// CloseAll terminates every active session.
func (r *Sessions) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (r *Sessions) remove(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Close ends the session. A blocked Serve returns once its connection closes.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.registry.remove(s.id)
	s.registry.gateway.log.Info().Str("session", s.id).Str("device_id", s.device).Msg("terminal session closed")
}

func (s *Session) attach(conn Conn, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	s.cancel = cancel
	return true
}

func (s *Session) touch(executed bool) {
	s.mu.Lock()
	s.lastActive = s.registry.gateway.now()
	if executed {
		s.commands++
	}
	s.mu.Unlock()
}

// Serve runs the session protocol on conn until the peer goes away, the
// session idles out, it is closed, or authorization is lost after a command.
// Commands run strictly one at a time.
func (s *Session) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.Close()
	if !s.attach(conn, cancel) {
		cancel()
		conn.Close()
		return nil
	}

	g := s.registry.gateway
	if err := conn.WriteJSON(readyMessage{
		Type:     MessageReady,
		Message:  "Connected to " + s.label,
		DeviceID: s.device,
	}); err != nil {
		return err
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.registry.idle)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				g.log.Info().Str("session", s.id).Msg("terminal session idle, closing")
				return conn.WriteJSON(errorMessage{Type: MessageTimeout, Message: "Session closed due to inactivity"})
			}
			return nil
		}
		s.touch(false)

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := conn.WriteJSON(errorMessage{Type: MessageError, Message: "Invalid payload"}); err != nil {
				return err
			}
			continue
		}
		if msg.Type != MessageCommand {
			if err := conn.WriteJSON(errorMessage{Type: MessageError, Message: "Unsupported message type"}); err != nil {
				return err
			}
			continue
		}
		command := strings.TrimSpace(msg.Command)
		if command == "" {
			if err := conn.WriteJSON(errorMessage{Type: MessageError, Message: "Command cannot be empty"}); err != nil {
				return err
			}
			continue
		}

		result, err := g.execute(ctx, s.device, s.userID, command, model.ActionTerminal)
		if result != nil {
			s.touch(true)
		}
		switch {
		case err == nil:
			if err := conn.WriteJSON(outputMessage{Type: MessageOutput, Result: result}); err != nil {
				return err
			}
		case result != nil && IsAuthorizationLoss(err):
			// Lost while the command ran. Failures before running leave the
			// session open until idle timeout or explicit close.
			g.log.Info().Err(err).Str("session", s.id).Msg("authorization lost, closing terminal session")
			return conn.WriteJSON(errorMessage{Type: MessageError, Command: command, Message: errorText(err)})
		default:
			if err := conn.WriteJSON(errorMessage{Type: MessageError, Command: command, Message: errorText(err)}); err != nil {
				return err
			}
		}
	}
}

// errorText strips the taxonomy prefix from a wrapped apperr error.
func errorText(err error) string {
	msg := err.Error()
	for _, kind := range []error{apperr.ErrValidation, apperr.ErrPermissionDenied, apperr.ErrInvalidState, apperr.ErrNotFound} {
		if errors.Is(err, kind) {
			return strings.TrimPrefix(msg, kind.Error()+": ")
		}
	}
	return msg
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
