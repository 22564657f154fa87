package session

import (
	"sync"

	"agency-portal-backend/internal/domain"
)

// NotificationQueue buffers notifications until a client drains them.
type NotificationQueue struct {
	mu    sync.Mutex
	items []domain.Notification
	max   int
}

func NewNotificationQueue(max int) *NotificationQueue {
	if max < 1 {
		max = 20
	}
	return &NotificationQueue{max: max}
}

func (q *NotificationQueue) Notify(n domain.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, n)
}

// Drain returns queued notifications oldest first and empties the queue.
func (q *NotificationQueue) Drain() []domain.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RouteRecorder keeps the last navigation target until it is taken.
type RouteRecorder struct {
	mu    sync.Mutex
	route string
}

func (r *RouteRecorder) Navigate(route string) {
	r.mu.Lock()
	r.route = route
	r.mu.Unlock()
}

func (r *RouteRecorder) Take() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	route := r.route
	r.route = ""
	return route
}

func (r *RouteRecorder) Peek() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route
}
