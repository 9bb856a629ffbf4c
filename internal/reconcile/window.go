package reconcile

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/rota/internal/models"
)

// window keeps the most recent notifications, newest first. The oldest entry
// is evicted silently once the limit is reached.
type window struct {
	limit int
	list  []models.Notification
}

func newWindow(limit int) *window {
	return &window{limit: limit}
}

func (w *window) push(kind models.NotificationKind, msg string, at time.Time) models.Notification {
	n := models.Notification{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Message:   msg,
		CreatedAt: at,
	}
	w.list = append([]models.Notification{n}, w.list...)
	if len(w.list) > w.limit {
		w.list = w.list[:w.limit]
	}
	return n
}

func (w *window) items() []models.Notification {
	return append([]models.Notification(nil), w.list...)
}
