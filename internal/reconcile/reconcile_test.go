package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/transport"
)

func envelope(t *testing.T, typ models.EventType, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := json.Marshal(models.Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	return body
}

func shiftIDs(r *Reconciler) []int64 {
	var ids []int64
	for _, s := range r.Shifts() {
		ids = append(ids, s.ID)
	}
	return ids
}

func taskIDs(r *Reconciler) []int64 {
	var ids []int64
	for _, t := range r.Tasks() {
		ids = append(ids, t.ID)
	}
	return ids
}

func version(v int64) *int64 { return &v }

func TestShiftCreated_Prepends(t *testing.T) {
	r := New()
	for _, id := range []int64{1, 2, 42} {
		require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{ID: id})))
	}
	assert.Equal(t, []int64{42, 2, 1}, shiftIDs(r))
}

func TestShiftCreated_ExistingIDReplacesInPlace(t *testing.T) {
	r := New()
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{ID: id})))
	}
	require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{ID: 2, Notes: "again"})))

	assert.Equal(t, []int64{3, 2, 1}, shiftIDs(r))
	s, ok := r.Shift(2)
	require.True(t, ok)
	assert.Equal(t, "again", s.Notes)
}

func TestShiftUpdated_ReplacesInPlace(t *testing.T) {
	r := New()
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{ID: id})))
	}
	upd := models.Shift{ID: 2, Status: models.ShiftStatusAssigned, AssigneeName: "Dr. Wu"}
	require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftUpdated, upd)))

	assert.Equal(t, []int64{3, 2, 1}, shiftIDs(r))
	s, _ := r.Shift(2)
	assert.Equal(t, models.ShiftStatusAssigned, s.Status)
}

func TestShiftUpdated_Miss(t *testing.T) {
	tests := []struct {
		name string
		miss UpdateMiss
		want []int64
	}{
		{"insert at front", UpdateMissInsert, []int64{9, 1}},
		{"drop", UpdateMissDrop, []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(WithShiftUpdateMiss(tt.miss))
			require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{ID: 1})))
			require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftUpdated, models.Shift{ID: 9})))
			assert.Equal(t, tt.want, shiftIDs(r))
		})
	}
}

func TestTaskUpdated_MissIsDropped(t *testing.T) {
	r := New()
	require.NoError(t, r.Apply(models.TopicTasks, envelope(t, models.EventTaskUpdated, models.AgentTask{ID: 5})))
	assert.Empty(t, r.Tasks())
	assert.Empty(t, r.Notifications())
}

func TestDelete_AbsentIsNoop(t *testing.T) {
	r := New()
	require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{ID: 1})))
	before := r.Shifts()
	notes := len(r.Notifications())

	require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftDeleted, models.ShiftDeletedPayload{ShiftID: 77})))
	assert.Equal(t, before, r.Shifts())
	assert.Len(t, r.Notifications(), notes)
}

func TestStaleVersionIsDropped(t *testing.T) {
	r := New()
	require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{ID: 1, Notes: "v3", Version: version(3)})))
	require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftUpdated, models.Shift{ID: 1, Notes: "v2", Version: version(2)})))
	s, _ := r.Shift(1)
	assert.Equal(t, "v3", s.Notes)

	require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftUpdated, models.Shift{ID: 1, Notes: "v4", Version: version(4)})))
	s, _ = r.Shift(1)
	assert.Equal(t, "v4", s.Notes)
}

// foldTasks is the reference semantics: prepend on create (replace if held),
// replace on update hit, drop on update miss, filter on delete.
func foldTasks(events []taskEvent) []int64 {
	var ids []int64
	index := func(id int64) int {
		for i, v := range ids {
			if v == id {
				return i
			}
		}
		return -1
	}
	for _, e := range events {
		switch e.typ {
		case models.EventTaskCreated:
			if index(e.id) < 0 {
				ids = append([]int64{e.id}, ids...)
			}
		case models.EventTaskDeleted:
			if i := index(e.id); i >= 0 {
				ids = append(ids[:i], ids[i+1:]...)
			}
		}
	}
	return ids
}

type taskEvent struct {
	typ models.EventType
	id  int64
}

func TestTaskEvents_FoldInDeliveryOrder(t *testing.T) {
	types := []models.EventType{models.EventTaskCreated, models.EventTaskUpdated, models.EventTaskDeleted}
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		var events []taskEvent
		for i := 0; i < 40; i++ {
			events = append(events, taskEvent{typ: types[rng.Intn(len(types))], id: int64(rng.Intn(8) + 1)})
		}

		r := New()
		for i, e := range events {
			var body []byte
			if e.typ == models.EventTaskDeleted {
				body = envelope(t, e.typ, models.TaskDeletedPayload{TaskID: e.id})
			} else {
				body = envelope(t, e.typ, models.AgentTask{ID: e.id, Result: fmt.Sprintf("r%d", i)})
			}
			require.NoError(t, r.Apply(models.TopicTasks, body))
		}

		want := foldTasks(events)
		if diff := cmp.Diff(want, taskIDs(r)); diff != "" {
			t.Fatalf("round %d: task ids mismatch (-want +got):\n%s", round, diff)
		}
		assert.LessOrEqual(t, len(r.Notifications()), DefaultNotificationLimit)
	}
}

func TestTaskEvents_DeleteIsIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Apply(models.TopicTasks, envelope(t, models.EventTaskCreated, models.AgentTask{ID: 1})))
	require.NoError(t, r.Apply(models.TopicTasks, envelope(t, models.EventTaskCreated, models.AgentTask{ID: 2})))
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Apply(models.TopicTasks, envelope(t, models.EventTaskDeleted, models.TaskDeletedPayload{TaskID: 1})))
	}
	assert.Equal(t, []int64{2}, taskIDs(r))
}

func TestNotifications_WindowNeverExceedsLimit(t *testing.T) {
	r := New()
	for i := 1; i <= 50; i++ {
		require.NoError(t, r.Apply(models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{ID: int64(i)})))
		assert.LessOrEqual(t, len(r.Notifications()), 5)
	}

	notes := r.Notifications()
	require.Len(t, notes, 5)
	assert.Equal(t, "Shift #50 created", notes[0].Message)
	assert.Equal(t, "Shift #46 created", notes[4].Message)

	ids := map[string]bool{}
	for _, n := range notes {
		assert.False(t, ids[n.ID], "duplicate notification id")
		ids[n.ID] = true
	}
}

func TestNotifications_CustomLimitAndClock(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	r := New(WithNotificationLimit(2), WithClock(func() time.Time { return at }))
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, r.Apply(models.TopicNotifications, envelope(t, "SYSTEM", models.NoticePayload{Message: msg})))
	}

	notes := r.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, "c", notes[0].Message)
	assert.Equal(t, models.NotificationInfo, notes[0].Kind)
	assert.Equal(t, at, notes[0].CreatedAt)
}

func TestChat_AppendsInArrivalOrder(t *testing.T) {
	r := New()
	for _, c := range []string{"hello", "hello", "bye"} {
		body, _ := json.Marshal(models.ChatMessage{Sender: "ana", Role: models.ChatRoleClient, Content: c})
		require.NoError(t, r.Apply(models.TopicChat, body))
	}
	var got []string
	for _, m := range r.Chat() {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"hello", "hello", "bye"}, got)
	assert.Empty(t, r.Notifications())
}

func TestMalformed_LoggedAndDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := New(WithLogger(zap.New(core)))

	tests := []struct {
		name  string
		topic string
		body  []byte
	}{
		{"not json", models.TopicShifts, []byte(`{nope`)},
		{"unknown type", models.TopicShifts, envelope(t, "SHIFT_EXPLODED", models.Shift{ID: 1})},
		{"missing id", models.TopicShifts, envelope(t, models.EventShiftCreated, models.Shift{})},
		{"wrong payload", models.TopicTasks, []byte(`{"type":"TASK_CREATED","payload":"text"}`)},
		{"delete without id", models.TopicTasks, envelope(t, models.EventTaskDeleted, map[string]int{})},
		{"empty notice", models.TopicNotifications, envelope(t, "SYSTEM", models.NoticePayload{})},
		{"bad chat", models.TopicChat, []byte(`[1,2]`)},
		{"unknown topic", "/topic/other", []byte(`{}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Apply(tt.topic, tt.body), ErrMalformed)
		})
	}

	assert.Empty(t, r.Shifts())
	assert.Empty(t, r.Tasks())
	assert.Empty(t, r.Chat())
	assert.Empty(t, r.Notifications())
	assert.Equal(t, len(tests), logs.Len())
}

type chanSource map[string]chan transport.Message

func (s chanSource) Subscribe(topic string) <-chan transport.Message {
	ch, ok := s[topic]
	if !ok {
		ch = make(chan transport.Message, 8)
		s[topic] = ch
	}
	return ch
}

func TestRun_PumpsTopics(t *testing.T) {
	src := chanSource{}
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	// Register channels before Run so the test can write to them.
	for _, topic := range models.Topics {
		src.Subscribe(topic)
	}
	go func() { done <- r.Run(ctx, src) }()

	src[models.TopicShifts] <- transport.Message{Body: envelope(t, models.EventShiftCreated, models.Shift{ID: 42})}
	chat, _ := json.Marshal(models.ChatMessage{Content: "hi"})
	src[models.TopicChat] <- transport.Message{Body: chat}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case c := <-r.Changes():
			seen[c.Topic] = true
		case <-timeout:
			t.Fatalf("changes not observed: %v", seen)
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []int64{42}, shiftIDs(r))
	require.Len(t, r.Chat(), 1)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLastSequence, p)
	p, err = ParsePolicy("last-arrival")
	require.NoError(t, err)
	assert.Equal(t, PolicyLastArrival, p)
	_, err = ParsePolicy("first-wins")
	assert.Error(t, err)

	m, err := ParseUpdateMiss("drop")
	require.NoError(t, err)
	assert.Equal(t, UpdateMissDrop, m)
	_, err = ParseUpdateMiss("maybe")
	assert.Error(t, err)
}
