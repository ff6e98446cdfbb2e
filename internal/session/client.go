package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/scheduler"
	"github.com/andresmejia3/irisgate/internal/transport"
	"github.com/andresmejia3/irisgate/internal/types"
	"github.com/google/uuid"
)

// Transport is the channel the session talks through.
type Transport interface {
	Connect(ctx context.Context, endpoint string) error
	Disconnect() error
	Emit(eventType string, payload any) error
	Subscribe(fn func(transport.Event)) func()
	Connected() bool
	Generation() uint64
}

// Capturer produces encoded frames. The session releases it on teardown.
type Capturer interface {
	CaptureFrame(ctx context.Context, quality float64) ([]byte, error)
	Release() error
}

// Config holds the session tunables.
type Config struct {
	Endpoint       string
	Identity       string
	Interval       time.Duration
	ProbeQuality   float64
	CaptureQuality float64
	Ticker         scheduler.TickerFactory
	Logger         *slog.Logger
}

const (
	inboxSize   = 64
	resultsSize = 8
)

// Client runs one biometric session. All state is owned by the goroutine
// running Run; every other method hands a closure to that goroutine.
type Client struct {
	cfg     Config
	tr      Transport
	capture Capturer
	issuer  *auth.Issuer
	log     *slog.Logger

	cmds      chan func()
	inbox     chan transport.Event
	results   chan Result
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool

	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int

	// loop-owned
	state       State
	identity    string
	detection   *types.DetectionResult
	enrolled    bool
	status      Status
	percent     *float64
	epoch       uint64
	sched       *scheduler.Scheduler
	unsubscribe func()
}

// New builds a session client. Call Run to start its loop.
func New(cfg Config, tr Transport, capture Capturer, issuer *auth.Issuer) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeQuality <= 0 {
		cfg.ProbeQuality = 0.7
	}
	if cfg.CaptureQuality <= 0 {
		cfg.CaptureQuality = 0.9
	}
	if cfg.Ticker == nil {
		cfg.Ticker = scheduler.RealTicker
	}

	c := &Client{
		cfg:       cfg,
		tr:        tr,
		capture:   capture,
		issuer:    issuer,
		log:       cfg.Logger.With("session", uuid.NewString()),
		cmds:      make(chan func()),
		inbox:     make(chan transport.Event, inboxSize),
		results:   make(chan Result, resultsSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		observers: make(map[int]func(Snapshot)),
		state:     Idle,
		identity:  strings.TrimSpace(cfg.Identity),
		status:    Status{Kind: KindInfo, Text: "Initializing..."},
	}
	c.sched = scheduler.New(cfg.Interval, c.probeAllowed, c.probe,
		scheduler.WithTicker(cfg.Ticker),
		scheduler.WithLogger(c.log),
	)
	return c
}

// Run owns the session until ctx is cancelled or Close is called. The capture
// source and the channel are released on the way out.
func (c *Client) Run(ctx context.Context) error {
	c.running.Store(true)
	defer close(c.done)
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closing:
			return nil
		case ev := <-c.inbox:
			c.handle(ctx, ev)
		case fn := <-c.cmds:
			// Commands must observe every event delivered before them.
			c.drain(ctx)
			fn()
		case <-c.sched.C():
			c.drain(ctx)
			c.sched.Tick(ctx)
		}
	}
}

// Close stops the loop and waits for teardown.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	if c.running.Load() {
		<-c.done
		return nil
	}
	return c.capture.Release()
}

// Results delivers one Result per terminal request.
func (c *Client) Results() <-chan Result { return c.results }

// Observe registers fn to receive a Snapshot after every transition. fn runs
// on the session goroutine and must not call back into the Client.
func (c *Client) Observe(fn func(Snapshot)) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Connect opens the channel, starts detection, and queries enrollment.
func (c *Client) Connect(ctx context.Context) error {
	return c.do(ctx, func() error { return c.connect(ctx) })
}

// Disconnect closes the channel and stops detection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, func() error { return c.disconnect() })
}

// Enroll captures a high-quality frame and sends an enrollment request.
func (c *Client) Enroll(ctx context.Context) error {
	return c.do(ctx, func() error { return c.request(ctx, RequestEnroll) })
}

// Authenticate captures a high-quality frame and sends an authentication request.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.do(ctx, func() error { return c.request(ctx, RequestAuthenticate) })
}

// SetIdentity changes the identity used by later requests and re-queries
// enrollment when connected.
func (c *Client) SetIdentity(ctx context.Context, identity string) error {
	return c.do(ctx, func() error {
		c.identity = strings.TrimSpace(identity)
		if c.state.Online() {
			c.queryEnrollment()
		}
		c.notify()
		return nil
	})
}

// Snapshot returns a copy of the current session state.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.cmds <- func() { errc <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// An accepted command always runs to completion on the loop.
	return <-errc
}

func (c *Client) drain(ctx context.Context) {
	for {
		select {
		case ev := <-c.inbox:
			c.handle(ctx, ev)
		default:
			return
		}
	}
}

func (c *Client) forward(ev transport.Event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

func (c *Client) connect(ctx context.Context) error {
	if c.state.Online() && c.tr.Connected() {
		return nil
	}
	if c.unsubscribe == nil {
		c.unsubscribe = c.tr.Subscribe(c.forward)
	}

	if err := c.tr.Connect(ctx, c.cfg.Endpoint); err != nil {
		c.sched.Stop()
		c.abandonPending(err)
		c.state = Disconnected
		c.setStatus(KindError, CategoryChannelUnavailable, "Failed to connect to the iris service")
		c.log.Warn("connect failed", "endpoint", c.cfg.Endpoint, "error", err)
		c.notify()
		if !errors.Is(err, transport.ErrChannelUnavailable) {
			err = fmt.Errorf("%w: %v", transport.ErrChannelUnavailable, err)
		}
		return err
	}

	c.abandonPending(transport.ErrChannelUnavailable)
	c.epoch = c.tr.Generation()
	c.state = Connected
	c.detection = nil
	c.percent = nil
	c.sched.Stop()
	c.sched.Start()
	c.setStatus(KindInfo, CategoryNone, "Connected. Position your eye in front of the camera.")
	c.log.Info("session connected", "endpoint", c.cfg.Endpoint, "epoch", c.epoch, "identity", c.identity)
	c.queryEnrollment()
	c.notify()
	return nil
}

func (c *Client) disconnect() error {
	c.sched.Stop()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	err := c.tr.Disconnect()
	c.abandonPending(transport.ErrChannelUnavailable)
	if c.state != Idle {
		c.state = Disconnected
	}
	c.detection = nil
	c.setStatus(KindInfo, CategoryNone, "Disconnected")
	c.notify()
	return err
}

func (c *Client) queryEnrollment() {
	if err := c.tr.Emit(types.EventCheckEnrollment, types.EnrollmentQuery{Identity: c.identity}); err != nil {
		c.log.Warn("enrollment query failed", "identity", c.identity, "error", err)
	}
}

// request runs the guards in order, then captures and sends. busy is set only
// once the send succeeded, in this same loop step.
func (c *Client) request(ctx context.Context, kind RequestKind) error {
	if !c.state.Online() || !c.tr.Connected() {
		c.setStatus(KindError, CategoryChannelUnavailable, msgNoChannel)
		c.notify()
		return transport.ErrChannelUnavailable
	}
	if c.state.Busy() {
		return c.reject(msgBusy)
	}
	if c.detection == nil || !c.detection.Present {
		return c.reject(msgNoEye)
	}
	if kind == RequestAuthenticate && c.identity == "" {
		return c.reject(msgNoIdentity)
	}

	img, err := c.capture.CaptureFrame(ctx, c.cfg.CaptureQuality)
	if err != nil {
		c.setStatus(KindError, CategorySourceUnavailable, msgNoCamera)
		c.log.Warn("capture failed", "request", kind, "error", err)
		c.notify()
		return err
	}

	event, next, text := types.EventIrisEnroll, Enrolling, "Capturing iris pattern..."
	if kind == RequestAuthenticate {
		event, next, text = types.EventIrisFrame, Authenticating, "Analyzing iris pattern..."
	}
	if err := c.tr.Emit(event, types.TerminalRequest{Image: img, Identity: c.identity}); err != nil {
		c.setStatus(KindError, CategoryChannelUnavailable, msgNoChannel)
		c.log.Warn("send failed", "request", kind, "error", err)
		c.notify()
		if !errors.Is(err, transport.ErrChannelUnavailable) {
			err = fmt.Errorf("%w: %v", transport.ErrChannelUnavailable, err)
		}
		return err
	}

	c.state = next
	c.percent = nil
	c.setStatus(KindScanning, CategoryNone, text)
	c.log.Info("terminal request sent", "request", kind, "identity", c.identity, "bytes", len(img))
	c.notify()
	return nil
}

func (c *Client) reject(msg string) error {
	c.setStatus(KindError, CategoryValidation, msg)
	c.notify()
	return &ValidationError{Message: msg}
}

func (c *Client) probeAllowed() bool {
	return c.state == Connected && c.tr.Connected()
}

func (c *Client) probe(ctx context.Context) error {
	img, err := c.capture.CaptureFrame(ctx, c.cfg.ProbeQuality)
	if err != nil {
		if c.status.Category != CategorySourceUnavailable {
			c.setStatus(KindError, CategorySourceUnavailable, msgNoCamera)
			c.notify()
		}
		return err
	}
	if c.status.Category == CategorySourceUnavailable {
		c.setStatus(KindInfo, CategoryNone, "Camera ready. Position your eye in front of the camera.")
		c.notify()
	}
	return c.tr.Emit(types.EventDetectEye, base64.StdEncoding.EncodeToString(img))
}

func (c *Client) handle(ctx context.Context, ev transport.Event) {
	if ev.Gen != c.epoch || !c.state.Online() {
		c.log.Debug("discarding stale event", "type", ev.Type, "gen", ev.Gen, "epoch", c.epoch, "state", c.state)
		return
	}

	switch ev.Type {
	case transport.EventConnected:
	case transport.EventDisconnected:
		c.dropped(ev.Err)
	case types.EventEyePosition:
		var det types.DetectionResult
		if err := json.Unmarshal(ev.Payload, &det); err != nil {
			c.log.Warn("bad eye-position payload", "error", err)
			return
		}
		c.detection = &det
		c.notify()
	case types.EventEnrollmentStatus:
		var st types.EnrollmentStatus
		if err := json.Unmarshal(ev.Payload, &st); err != nil {
			c.log.Warn("bad enrollment-status payload", "error", err)
			return
		}
		c.enrolled = st.Enrolled
		c.notify()
	case types.EventEnrollResult:
		if c.state != Enrolling {
			c.log.Warn("discarding enroll result with no pending enrollment", "state", c.state)
			return
		}
		c.finishEnroll(ev.Payload)
	case types.EventIrisResult:
		if c.state != Authenticating {
			c.log.Warn("discarding iris result with no pending authentication", "state", c.state)
			return
		}
		c.finishAuth(ctx, ev.Payload)
	default:
		c.log.Debug("ignoring event", "type", ev.Type)
	}
}

func (c *Client) finishEnroll(payload json.RawMessage) {
	c.state = Connected
	defer c.notify()

	var out types.EnrollOutcome
	if err := json.Unmarshal(payload, &out); err != nil {
		c.setStatus(KindError, CategoryProtocolViolation, "Malformed enrollment reply")
		c.log.Error("malformed enroll result", "error", err)
		c.publish(Result{Kind: RequestEnroll, Err: fmt.Errorf("%w: %v", auth.ErrProtocolViolation, err)})
		return
	}

	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "Enrollment failed"
		}
		c.setStatus(KindError, CategoryRejected, msg)
		c.log.Info("enrollment rejected", "identity", c.identity, "reason", msg)
		c.publish(Result{Kind: RequestEnroll, Enroll: &out, Err: errors.New(msg)})
		return
	}

	msg := out.Message
	if msg == "" {
		msg = "Iris enrolled successfully!"
	}
	c.enrolled = true
	c.setStatus(KindSuccess, CategoryNone, msg)
	c.log.Info("enrollment complete", "identity", c.identity)
	c.publish(Result{Kind: RequestEnroll, Enroll: &out})
}

func (c *Client) finishAuth(ctx context.Context, payload json.RawMessage) {
	c.state = Connected
	defer c.notify()

	var out types.AuthOutcome
	if err := json.Unmarshal(payload, &out); err != nil {
		c.percent = nil
		c.setStatus(KindError, CategoryProtocolViolation, "Malformed authentication reply")
		c.log.Error("malformed iris result", "error", err)
		c.publish(Result{Kind: RequestAuthenticate, Err: fmt.Errorf("%w: %v", auth.ErrProtocolViolation, err)})
		return
	}

	v := auth.Evaluate(out, c.log)
	c.percent = v.Percent
	res := Result{Kind: RequestAuthenticate, Verdict: &v, Err: v.Err()}

	switch v.Class {
	case auth.Authenticated:
		user, err := c.issuer.Issue(ctx, v, c.identity)
		if err != nil {
			c.setStatus(KindError, CategoryRejected, "Unable to store credential")
			c.log.Error("credential issue failed", "error", err)
			res.Err = err
			break
		}
		res.User = &user
		c.setStatus(KindSuccess, CategoryNone, "Authentication successful! Welcome "+user.Username)
	case auth.Mismatch:
		c.setStatus(KindError, CategoryMismatch, "Authentication failed - Iris mismatch")
	case auth.ProtocolViolation:
		c.setStatus(KindError, CategoryProtocolViolation, v.Message)
	default:
		c.setStatus(KindError, CategoryRejected, v.Message)
	}
	c.publish(res)
}

// dropped handles an unexpected channel loss. A pending request is not
// cancelled on the server; its reply will be discarded by the epoch check.
func (c *Client) dropped(cause error) {
	c.sched.Stop()
	c.abandonPending(transport.ErrChannelUnavailable)
	c.state = Disconnected
	c.detection = nil
	c.setStatus(KindError, CategoryChannelUnavailable, msgChannelLost)
	c.log.Warn("channel lost", "epoch", c.epoch, "error", cause)
	c.notify()
}

// abandonPending reports a pending terminal request as failed.
func (c *Client) abandonPending(cause error) {
	var kind RequestKind
	switch c.state {
	case Enrolling:
		kind = RequestEnroll
	case Authenticating:
		kind = RequestAuthenticate
	default:
		return
	}
	c.state = Connected
	c.publish(Result{Kind: kind, Err: fmt.Errorf("%s abandoned: %w", kind, cause)})
}

func (c *Client) teardown() {
	c.sched.Stop()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if err := c.tr.Disconnect(); err != nil {
		c.log.Debug("disconnect on teardown", "error", err)
	}
	c.abandonPending(ErrClosed)
	if err := c.capture.Release(); err != nil {
		c.log.Warn("release capture source", "error", err)
	}
	c.state = Disconnected
	c.log.Debug("session closed")
}

func (c *Client) setStatus(kind Kind, cat Category, text string) {
	c.status = Status{Kind: kind, Category: cat, Text: text}
}

func (c *Client) publish(r Result) {
	select {
	case c.results <- r:
	default:
		c.log.Warn("dropping session result with no reader", "request", r.Kind)
	}
}

func (c *Client) snapshot() Snapshot {
	snap := Snapshot{
		State:    c.state,
		Identity: c.identity,
		Enrolled: c.enrolled,
		Status:   c.status,
		Epoch:    c.epoch,
	}
	if c.detection != nil {
		det := *c.detection
		snap.Detection = &det
	}
	if c.percent != nil {
		p := *c.percent
		snap.Percent = &p
	}
	return snap
}

func (c *Client) notify() {
	c.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()
	if len(fns) == 0 {
		return
	}
	snap := c.snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
