package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Crazynotdev/Tts/cmd/internal/protocol"
	v1 "github.com/Crazynotdev/Tts/contracts/events/v1"
)

type ctrlKind int

const (
	ctrlDisconnect ctrlKind = iota + 1
	ctrlAbandon
)

// endKind is why a task stopped.
type endKind int

const (
	endShutdown endKind = iota + 1
	endDisconnect
	endLoggedOut
	endPairingTimeout
	endRetriesExhausted
	endAbandon
	endConstruct
)

func (e endKind) String() string {
	switch e {
	case endShutdown:
		return "shutdown"
	case endDisconnect:
		return "disconnected"
	case endLoggedOut:
		return "logged_out"
	case endPairingTimeout:
		return "pairing_timeout"
	case endRetriesExhausted:
		return "retries_exhausted"
	case endAbandon:
		return "abandoned"
	case endConstruct:
		return "connection_error"
	default:
		return "unknown"
	}
}

type pairingStep int

const (
	pairNone pairingStep = iota
	pairCodeIssued
	pairCodeFailed
)

// task is the single owner of one Session's client, timers and state changes.
type task struct {
	c   *Controller
	s   *Session
	log *slog.Logger

	ctrl chan ctrlKind
	done chan struct{}

	client  protocol.Client
	events  <-chan protocol.Event
	pairing pairingStep
	counted bool

	bo      backoff.BackOff
	retries int

	pairTimer  *time.Timer
	retryTimer *time.Timer

	inbox      *inbox
	sendCtx    context.Context
	sendCancel context.CancelFunc
	workerDone chan struct{}
	stopOnce   sync.Once
}

func newTask(c *Controller, s *Session, client protocol.Client) *task {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.Backoff.Initial
	exp.MaxInterval = c.cfg.Backoff.Max
	exp.Multiplier = c.cfg.Backoff.Multiplier
	exp.RandomizationFactor = c.cfg.Backoff.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &task{
		c:          c,
		s:          s,
		log:        c.log.With("session_id", s.ID),
		ctrl:       make(chan ctrlKind, 1),
		done:       make(chan struct{}),
		client:     client,
		events:     client.Events(),
		bo:         backoff.WithMaxRetries(exp, uint64(c.cfg.Backoff.MaxRetries)),
		inbox:      newInbox(),
		workerDone: make(chan struct{}),
	}
}

// signal hands a control request to the task. It returns false if the task already stopped.
func (t *task) signal(ctx context.Context, k ctrlKind) bool {
	select {
	case t.ctrl <- k:
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *task) run(ctx context.Context) {
	defer close(t.done)

	t.sendCtx, t.sendCancel = context.WithCancel(ctx)
	go t.work()

	t.s.setClient(t.client)
	if err := t.connect(ctx); err != nil {
		t.log.Warn("session.connect.fail", "err", err)
		if t.scheduleReconnect(ctx) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			t.finish(endShutdown, nil)
			return

		case k := <-t.ctrl:
			switch k {
			case ctrlDisconnect:
				t.finish(endDisconnect, nil)
				return
			case ctrlAbandon:
				if t.s.State() == StateConnected || t.s.Paired() {
					continue
				}
				t.finish(endAbandon, nil)
				return
			}

		case ev, ok := <-t.events:
			if !ok {
				t.events = nil
				ev = protocol.CloseEvent{Reason: protocol.ReasonConnectionClosed, Err: errors.New("event stream ended")}
			}
			if t.handle(ctx, ev) {
				return
			}

		case <-timerC(t.pairTimer):
			t.pairTimer = nil
			t.expirePairing()
			return

		case <-timerC(t.retryTimer):
			t.retryTimer = nil
			if t.redial(ctx) {
				return
			}
		}
	}
}

// handle processes one event and reports whether the task finished.
func (t *task) handle(ctx context.Context, ev protocol.Event) bool {
	switch e := ev.(type) {
	case protocol.QREvent:
		t.onQR(ctx, e.Code)
	case protocol.PairingCodeEvent:
		t.pairing = pairCodeIssued
		t.issue(newCodeArtifact(e.Code, t.c.now(), t.c.cfg.PairingTTL))
	case protocol.OpenEvent:
		return t.onOpen(e)
	case protocol.CloseEvent:
		t.log.Info("session.close", "reason", e.Reason.String(), "err", e.Err)
		if e.Reason.IsLoggedOut() {
			t.finish(endLoggedOut, nil)
			return true
		}
		return t.scheduleReconnect(ctx)
	case protocol.CredsUpdateEvent:
		t.saveCreds(ctx, e.State)
	case protocol.MessagesEvent:
		t.onMessages(e.Messages)
	default:
		t.log.Debug("session.event.ignored", "type", fmt.Sprintf("%T", ev))
	}
	return false
}

func (t *task) onQR(ctx context.Context, qr string) {
	if t.c.cfg.PairingMode == PairingCode {
		switch t.pairing {
		case pairCodeIssued:
			// QR rotation; the code already shown stays valid until its own expiry.
			return
		case pairNone:
			opCtx, cancel := context.WithTimeout(ctx, t.c.cfg.OpTimeout)
			code, err := t.client.RequestPairingCode(opCtx, t.s.ID)
			cancel()
			if err == nil {
				t.pairing = pairCodeIssued
				t.issue(newCodeArtifact(code, t.c.now(), t.c.cfg.PairingTTL))
				return
			}
			t.pairing = pairCodeFailed
			t.log.Warn("session.pairing_code.fail", "err", err)
		}
	}
	t.issue(newQRArtifact(qr, t.c.now(), t.c.cfg.PairingTTL))
}

// issue replaces the active artifact and restarts the expiry timer.
func (t *task) issue(a Artifact) {
	st := t.s.State()
	if st != StateConnecting && st != StateAwaitingCredential {
		t.log.Debug("session.artifact.ignored", "state", st.String())
		return
	}

	t.s.setArtifact(&a)
	if st == StateConnecting {
		t.c.transition(t.s, StateAwaitingCredential)
	}

	stopTimer(t.pairTimer)
	t.pairTimer = time.NewTimer(a.ExpiresAt.Sub(t.c.now()))

	t.c.notifier.Publish(t.s.FanoutTarget, v1.TypePairingCode, v1.PairingCodePayload{
		Number:    t.s.ID,
		Code:      a.Code,
		RawCode:   a.Raw,
		Mode:      string(a.Mode),
		ExpiresAt: a.ExpiresAt,
	})
	t.log.Info("session.artifact.issue", "mode", string(a.Mode), "expires_at", a.ExpiresAt)
}

// onOpen reports whether the task finished (an open racing an expired artifact ends it).
func (t *task) onOpen(e protocol.OpenEvent) bool {
	now := t.c.now()
	if a := t.s.Snapshot().Artifact; a != nil && a.Expired(now) {
		stopTimer(t.pairTimer)
		t.pairTimer = nil
		t.expirePairing()
		return true
	}
	if !t.c.transition(t.s, StateConnected) {
		return false
	}

	stopTimer(t.pairTimer)
	t.pairTimer = nil
	t.bo.Reset()
	t.retries = 0

	selfJID := e.SelfJID
	if selfJID == "" {
		selfJID = t.client.SelfJID()
	}
	t.s.markConnected(now, selfJID)
	t.counted = true

	t.c.notifier.Publish(t.s.FanoutTarget, v1.TypeConnectionSuccess, v1.ConnectionSuccessPayload{Number: t.s.ID})
	t.c.publishCount()
	t.inbox.push(job{open: true, conn: t.conn()})
	return false
}

func (t *task) onMessages(msgs []protocol.InboundMessage) {
	if t.s.State() != StateConnected {
		t.log.Debug("session.messages.dropped", "count", len(msgs), "state", t.s.State().String())
		return
	}
	conn := t.conn()
	for _, m := range msgs {
		if m.FromMe {
			continue
		}
		t.inbox.push(job{conn: conn, msg: m})
	}
}

func (t *task) saveCreds(ctx context.Context, st protocol.AuthState) {
	opCtx, cancel := context.WithTimeout(ctx, t.c.cfg.OpTimeout)
	defer cancel()
	if err := t.c.auth.Save(opCtx, t.s.ID, st); err != nil {
		t.log.Error("session.creds.save.fail", "err", err)
	}
}

// scheduleReconnect discards the client and arranges a new one.
// The first retry after an open is immediate; later ones back off. It reports whether the task finished.
func (t *task) scheduleReconnect(ctx context.Context) bool {
	if n := t.inbox.clear(); n > 0 {
		t.log.Debug("session.inbox.discarded", "jobs", n)
	}
	t.dropClient()
	wasCounted := t.uncount()

	t.c.transition(t.s, StateReconnecting)
	if wasCounted {
		t.c.publishCount()
	}

	d := t.bo.NextBackOff()
	if d == backoff.Stop {
		t.log.Warn("session.reconnect.exhausted", "attempts", t.retries)
		t.finish(endRetriesExhausted, nil)
		return true
	}
	if t.retries == 0 {
		d = 0
	}
	t.retries++
	t.c.metrics.RecordReconnect()
	t.log.Info("session.reconnect.schedule", "attempt", t.retries, "delay", d)

	if d <= 0 {
		return t.redial(ctx)
	}
	t.retryTimer = time.NewTimer(d)
	return false
}

// redial builds a fresh client from the credentials on disk. It reports whether the task finished.
func (t *task) redial(ctx context.Context) bool {
	t.c.transition(t.s, StateConnecting)

	st, err := t.c.auth.Load(ctx, t.s.ID)
	if err != nil {
		t.finish(endConstruct, err)
		return true
	}
	client, err := t.c.factory.NewClient(ctx, t.s.ID, st)
	if err != nil {
		t.finish(endConstruct, err)
		return true
	}
	if st.Registered {
		t.s.setPaired()
	}

	t.client = client
	t.events = client.Events()
	t.pairing = pairNone
	t.s.setClient(client)

	if err := t.connect(ctx); err != nil {
		t.log.Warn("session.connect.fail", "err", err)
		return t.scheduleReconnect(ctx)
	}
	return false
}

func (t *task) connect(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, t.c.cfg.OpTimeout)
	defer cancel()
	return t.client.Connect(opCtx)
}

func (t *task) expirePairing() {
	t.c.metrics.RecordPairingTimeout()
	t.c.notifier.Publish(t.s.FanoutTarget, v1.TypePairingTimeout, v1.PairingTimeoutPayload{Number: t.s.ID})
	t.finish(endPairingTimeout, nil)
}

// finish tears the session down. Sends are cancelled and drained before the client is
// logged out or closed, and nothing touches the client afterwards.
func (t *task) finish(end endKind, cause error) {
	stopTimer(t.pairTimer)
	stopTimer(t.retryTimer)
	t.pairTimer, t.retryTimer = nil, nil

	t.stopWorker()

	switch end {
	case endDisconnect, endPairingTimeout, endAbandon:
		t.logoutClient()
	default:
		t.dropClient()
	}

	if end == endDisconnect || end == endLoggedOut {
		ctx, cancel := context.WithTimeout(context.Background(), t.c.cfg.OpTimeout)
		if err := t.c.auth.Delete(ctx, t.s.ID); err != nil {
			t.log.Error("session.creds.delete.fail", "err", err)
		}
		cancel()
	}

	wasCounted := t.uncount()
	t.s.setArtifact(nil)
	t.c.transition(t.s, StateClosed)
	t.c.registry.removeSession(t.s)
	t.c.release(t.s.Origin, t.s.ID)

	switch end {
	case endDisconnect, endLoggedOut, endRetriesExhausted:
		t.c.notifier.Publish(t.s.FanoutTarget, v1.TypeConnectionLost, v1.ConnectionLostPayload{
			Number: t.s.ID,
			Reason: end.String(),
		})
	case endConstruct:
		msg := end.String()
		if cause != nil {
			msg = cause.Error()
		}
		t.c.notifier.Publish(t.s.FanoutTarget, v1.TypeConnectionError, v1.ConnectionErrorPayload{
			Number:  t.s.ID,
			Message: msg,
		})
	}

	if wasCounted || end != endShutdown {
		t.c.publishCount()
	}
	if cause != nil {
		t.log.Warn("session.end", "reason", end.String(), "err", cause)
	} else {
		t.log.Info("session.end", "reason", end.String())
	}
}

func (t *task) logoutClient() {
	ctx, cancel := context.WithTimeout(context.Background(), t.c.cfg.OpTimeout)
	defer cancel()

	if t.client == nil {
		t.logoutStored(ctx)
		return
	}

	if err := t.client.Logout(ctx); err != nil {
		t.log.Warn("session.logout.fail", "err", err)
		_ = t.client.Close()
	}
	t.client = nil
	t.events = nil
	t.s.setClient(nil)
}

// logoutStored unlinks a registered identity while no client is live, such as during a
// pending reconnect, using a throwaway client built from the stored credentials.
func (t *task) logoutStored(ctx context.Context) {
	st, err := t.c.auth.Load(ctx, t.s.ID)
	if err != nil {
		t.log.Warn("session.logout.fail", "err", err)
		return
	}
	if !st.Registered {
		return
	}
	client, err := t.c.factory.NewClient(ctx, t.s.ID, st)
	if err != nil {
		t.log.Warn("session.logout.fail", "err", err)
		return
	}
	if err := client.Logout(ctx); err != nil {
		t.log.Warn("session.logout.fail", "err", err)
		_ = client.Close()
	}
}

func (t *task) dropClient() {
	if t.client == nil {
		return
	}
	if err := t.client.Close(); err != nil {
		t.log.Debug("session.client.close.fail", "err", err)
	}
	t.client = nil
	t.events = nil
	t.s.setClient(nil)
}

func (t *task) uncount() bool {
	if !t.counted {
		return false
	}
	t.counted = false
	t.s.clearConnected()
	return true
}

func (t *task) conn() Conn {
	snap := t.s.Snapshot()
	return Conn{
		ID:          t.s.ID,
		SelfJID:     snap.SelfJID,
		Origin:      t.s.Origin,
		ConnectedAt: snap.ConnectedAt,
		Client:      t.client,
	}
}

// ---- inbox worker ----

type job struct {
	conn Conn
	open bool
	msg  protocol.InboundMessage
}

// inbox is an unbounded FIFO so a slow send never stalls lifecycle events.
type inbox struct {
	mu    sync.Mutex
	items []job
	wake  chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (q *inbox) push(j job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *inbox) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return job{}, false
	}
	j := q.items[0]
	q.items[0] = job{}
	q.items = q.items[1:]
	return j, true
}

// clear drops every queued job and returns how many there were.
func (q *inbox) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	return n
}

func (t *task) work() {
	defer close(t.workerDone)

	for {
		select {
		case <-t.sendCtx.Done():
			return
		case <-t.inbox.wake:
		}
		for {
			if t.sendCtx.Err() != nil {
				return
			}
			j, ok := t.inbox.pop()
			if !ok {
				break
			}
			t.runJob(j)
		}
	}
}

func (t *task) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("session.inbox.panic", "panic", r)
		}
	}()

	// A job queued against a client that has since been replaced is stale.
	if cur := t.s.currentClient(); cur == nil || cur != j.conn.Client {
		t.log.Debug("session.inbox.stale", "open", j.open, "msg_id", j.msg.ID)
		return
	}
	if j.open {
		t.c.handler.HandleOpen(t.sendCtx, j.conn)
		return
	}
	t.c.handler.HandleMessage(t.sendCtx, j.conn, j.msg)
}

// stopWorker cancels in-flight sends and waits for the worker to exit.
func (t *task) stopWorker() {
	t.stopOnce.Do(func() {
		t.sendCancel()
		<-t.workerDone
	})
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
