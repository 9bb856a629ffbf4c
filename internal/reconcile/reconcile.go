// Package reconcile merges real-time events and REST snapshots into the local
// shift, task, chat and notification collections.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/rota/internal/logging"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/transport"
)

// ErrMalformed marks an inbound message that could not be applied.
var ErrMalformed = errors.New("malformed realtime message")

// Policy selects how a snapshot merges with events that raced it.
type Policy string

const (
	// PolicyLastSequence keeps rows touched by events after the snapshot was
	// requested.
	PolicyLastSequence Policy = "last-sequence"
	// PolicyLastArrival replaces the collection with whatever arrives last.
	PolicyLastArrival Policy = "last-arrival"
)

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyLastSequence:
		return PolicyLastSequence, nil
	case PolicyLastArrival:
		return PolicyLastArrival, nil
	}
	return "", fmt.Errorf("unknown reconcile policy %q", s)
}

// UpdateMiss selects what a shift update for an unknown id does.
type UpdateMiss string

const (
	UpdateMissInsert UpdateMiss = "insert"
	UpdateMissDrop   UpdateMiss = "drop"
)

// ParseUpdateMiss maps a config value to an UpdateMiss.
func ParseUpdateMiss(s string) (UpdateMiss, error) {
	switch UpdateMiss(s) {
	case "", UpdateMissInsert:
		return UpdateMissInsert, nil
	case UpdateMissDrop:
		return UpdateMissDrop, nil
	}
	return "", fmt.Errorf("unknown shift update-miss policy %q", s)
}

// DefaultNotificationLimit is the size of the notification window.
const DefaultNotificationLimit = 5

// Change describes one applied mutation, for live observers.
type Change struct {
	Topic  string
	Type   models.EventType
	ID     int64
	Chat   *models.ChatMessage
	Notice *models.Notification
}

// Source hands out per-topic channels that stay open for the life of Run.
// *transport.Transport satisfies it.
type Source interface {
	Subscribe(topic string) <-chan transport.Message
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPolicy sets the snapshot merge policy.
func WithPolicy(p Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithShiftUpdateMiss sets what a shift update for an unknown id does.
func WithShiftUpdateMiss(m UpdateMiss) Option {
	return func(r *Reconciler) { r.shiftMiss = m }
}

// WithNotificationLimit sets the notification window size.
func WithNotificationLimit(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.notices.limit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logging.OrNop(l) }
}

// WithClock overrides time.Now for notification stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler owns the local collections. All mutations are serialized by one
// mutex and stamped with a strictly increasing sequence number.
type Reconciler struct {
	policy    Policy
	shiftMiss UpdateMiss
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	seq     uint64
	shifts  *collection[models.Shift]
	tasks   *collection[models.AgentTask]
	chat    []chatEntry
	notices *window

	changes chan Change
}

type chatEntry struct {
	msg models.ChatMessage
	seq uint64
}

// New creates an empty Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		policy:    PolicyLastSequence,
		shiftMiss: UpdateMissInsert,
		logger:    zap.NewNop(),
		now:       time.Now,
		shifts:    newCollection[models.Shift](),
		tasks:     newCollection[models.AgentTask](),
		notices:   newWindow(DefaultNotificationLimit),
		changes:   make(chan Change, 128),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Changes streams applied mutations. Slow readers miss changes; the
// collections stay authoritative.
func (r *Reconciler) Changes() <-chan Change {
	return r.changes
}

// Run pumps every topic of src into the collections until ctx ends.
func (r *Reconciler) Run(ctx context.Context, src Source) error {
	shifts := src.Subscribe(models.TopicShifts)
	tasks := src.Subscribe(models.TopicTasks)
	notices := src.Subscribe(models.TopicNotifications)
	chat := src.Subscribe(models.TopicChat)

	for {
		var msg transport.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-shifts:
			msg.Destination = models.TopicShifts
		case msg = <-tasks:
			msg.Destination = models.TopicTasks
		case msg = <-notices:
			msg.Destination = models.TopicNotifications
		case msg = <-chat:
			msg.Destination = models.TopicChat
		}
		// Malformed messages are logged inside Apply and never retried.
		_ = r.Apply(msg.Destination, msg.Body)
	}
}

// Apply decodes one message received on topic and merges it. Undecodable
// messages are logged, dropped, and reported as ErrMalformed.
func (r *Reconciler) Apply(topic string, body []byte) error {
	var err error
	switch topic {
	case models.TopicChat:
		err = r.applyChat(body)
	case models.TopicShifts, models.TopicTasks, models.TopicNotifications:
		var env models.Envelope
		if jerr := json.Unmarshal(body, &env); jerr != nil {
			err = fmt.Errorf("%w: decode envelope: %v", ErrMalformed, jerr)
			break
		}
		err = r.ApplyEnvelope(topic, env)
	default:
		err = fmt.Errorf("%w: unknown topic %s", ErrMalformed, topic)
	}
	if err != nil {
		r.logger.Warn("dropping realtime message", zap.String("topic", topic), zap.Error(err))
	}
	return err
}

// ApplyEnvelope merges a decoded envelope received on topic.
func (r *Reconciler) ApplyEnvelope(topic string, env models.Envelope) error {
	switch topic {
	case models.TopicShifts:
		return r.applyShift(env)
	case models.TopicTasks:
		return r.applyTask(env)
	case models.TopicNotifications:
		return r.applyNotice(env)
	}
	return fmt.Errorf("%w: topic %s carries no envelopes", ErrMalformed, topic)
}

func (r *Reconciler) applyShift(env models.Envelope) error {
	switch env.Type {
	case models.EventShiftCreated, models.EventShiftUpdated:
		var s models.Shift
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
		if s.ID == 0 {
			return fmt.Errorf("%w: %s without id", ErrMalformed, env.Type)
		}

		r.mu.Lock()
		seq := r.nextLocked()
		var ok bool
		if env.Type == models.EventShiftCreated {
			ok = r.shifts.create(s, seq)
		} else {
			ok = r.shifts.update(s, seq, r.shiftMiss == UpdateMissInsert)
		}
		var n *models.Notification
		if ok {
			n = r.noticeLocked(models.NotificationShift, shiftMessage(env.Type, s))
		}
		r.mu.Unlock()

		if !ok {
			r.logger.Debug("shift event not applied", zap.String("type", string(env.Type)), zap.Int64("id", s.ID))
			return nil
		}
		r.emit(Change{Topic: models.TopicShifts, Type: env.Type, ID: s.ID, Notice: n})
		return nil

	case models.EventShiftDeleted:
		var p models.ShiftDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
		if p.ShiftID == 0 {
			return fmt.Errorf("%w: %s without shiftId", ErrMalformed, env.Type)
		}

		r.mu.Lock()
		ok := r.shifts.remove(p.ShiftID, r.nextLocked())
		var n *models.Notification
		if ok {
			n = r.noticeLocked(models.NotificationShift, fmt.Sprintf("Shift #%d deleted", p.ShiftID))
		}
		r.mu.Unlock()

		if ok {
			r.emit(Change{Topic: models.TopicShifts, Type: env.Type, ID: p.ShiftID, Notice: n})
		}
		return nil
	}
	return fmt.Errorf("%w: unknown shift event %q", ErrMalformed, env.Type)
}

func (r *Reconciler) applyTask(env models.Envelope) error {
	switch env.Type {
	case models.EventTaskCreated, models.EventTaskUpdated:
		var t models.AgentTask
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
		if t.ID == 0 {
			return fmt.Errorf("%w: %s without id", ErrMalformed, env.Type)
		}

		r.mu.Lock()
		seq := r.nextLocked()
		var ok bool
		if env.Type == models.EventTaskCreated {
			ok = r.tasks.create(t, seq)
		} else {
			ok = r.tasks.update(t, seq, false)
		}
		var n *models.Notification
		if ok {
			n = r.noticeLocked(models.NotificationTask, taskMessage(env.Type, t))
		}
		r.mu.Unlock()

		if !ok {
			r.logger.Debug("task event not applied", zap.String("type", string(env.Type)), zap.Int64("id", t.ID))
			return nil
		}
		r.emit(Change{Topic: models.TopicTasks, Type: env.Type, ID: t.ID, Notice: n})
		return nil

	case models.EventTaskDeleted:
		var p models.TaskDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
		if p.TaskID == 0 {
			return fmt.Errorf("%w: %s without taskId", ErrMalformed, env.Type)
		}

		r.mu.Lock()
		ok := r.tasks.remove(p.TaskID, r.nextLocked())
		var n *models.Notification
		if ok {
			n = r.noticeLocked(models.NotificationTask, fmt.Sprintf("Task #%d removed", p.TaskID))
		}
		r.mu.Unlock()

		if ok {
			r.emit(Change{Topic: models.TopicTasks, Type: env.Type, ID: p.TaskID, Notice: n})
		}
		return nil
	}
	return fmt.Errorf("%w: unknown task event %q", ErrMalformed, env.Type)
}

func (r *Reconciler) applyNotice(env models.Envelope) error {
	var p models.NoticePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: notice payload: %v", ErrMalformed, err)
	}
	if p.Message == "" {
		return fmt.Errorf("%w: notice without message", ErrMalformed)
	}

	r.mu.Lock()
	r.nextLocked()
	n := r.noticeLocked(models.NotificationInfo, p.Message)
	r.mu.Unlock()

	r.emit(Change{Topic: models.TopicNotifications, Type: env.Type, Notice: n})
	return nil
}

func (r *Reconciler) applyChat(body []byte) error {
	var m models.ChatMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("%w: chat message: %v", ErrMalformed, err)
	}

	r.mu.Lock()
	r.chat = append(r.chat, chatEntry{msg: m, seq: r.nextLocked()})
	r.mu.Unlock()

	r.emit(Change{Topic: models.TopicChat, Chat: &m})
	return nil
}

func (r *Reconciler) nextLocked() uint64 {
	r.seq++
	return r.seq
}

func (r *Reconciler) noticeLocked(kind models.NotificationKind, msg string) *models.Notification {
	n := r.notices.push(kind, msg, r.now())
	return &n
}

func (r *Reconciler) emit(c Change) {
	select {
	case r.changes <- c:
	default:
	}
}

// Notify appends a locally raised notification, e.g. a connection warning.
func (r *Reconciler) Notify(kind models.NotificationKind, msg string) models.Notification {
	r.mu.Lock()
	n := r.notices.push(kind, msg, r.now())
	r.mu.Unlock()
	r.emit(Change{Notice: &n})
	return n
}

// Shifts returns the held shifts, newest first.
func (r *Reconciler) Shifts() []models.Shift {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shifts.items()
}

// Shift returns the held shift with id.
func (r *Reconciler) Shift(id int64) (models.Shift, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shifts.get(id)
}

// Tasks returns the held tasks, newest first.
func (r *Reconciler) Tasks() []models.AgentTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.items()
}

// Chat returns the chat log in arrival order.
func (r *Reconciler) Chat() []models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ChatMessage, len(r.chat))
	for i, e := range r.chat {
		out[i] = e.msg
	}
	return out
}

// Notifications returns the notification window, newest first.
func (r *Reconciler) Notifications() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notices.items()
}

// Seq returns the sequence number of the latest mutation.
func (r *Reconciler) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func shiftMessage(t models.EventType, s models.Shift) string {
	label := fmt.Sprintf("Shift #%d", s.ID)
	if s.DepartmentName != "" {
		label += " (" + s.DepartmentName + ")"
	}
	if t == models.EventShiftCreated {
		return label + " created"
	}
	if s.AssigneeName != "" {
		return fmt.Sprintf("%s updated: %s, %s", label, s.Status, s.AssigneeName)
	}
	return fmt.Sprintf("%s updated: %s", label, s.Status)
}

func taskMessage(t models.EventType, task models.AgentTask) string {
	if t == models.EventTaskCreated {
		return fmt.Sprintf("Task #%d (%s) submitted", task.ID, task.TaskType)
	}
	return fmt.Sprintf("Task #%d (%s) is now %s", task.ID, task.TaskType, task.Status)
}
