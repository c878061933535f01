// Package surface holds the consumer views of the notification store: the
// unread badge, the navbar dropdown and the full notification list.
package surface

import (
	"github.com/lalithlochan/driveline/internal/notification"
)

// Empty-state texts.
const (
	EmptyDropdownText = "No new notifications"
	EmptyListText     = "No notifications found"
)

// NewTag marks an unread item.
const NewTag = "New"

// Item is one rendered notification row.
type Item struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	BusNumber string `json:"busNumber,omitempty"`
	Sender    string `json:"sender,omitempty"`
	CreatedAt string `json:"createdAt"`
	IsRead    bool   `json:"isRead"`
	Tag       string `json:"tag,omitempty"`
}

// NewItem renders n with its creation time formatted for display.
func NewItem(n notification.Notification) Item {
	item := Item{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		BusNumber: n.BusNumber,
		Sender:    n.Sender,
		CreatedAt: notification.FormatDate(n.CreatedAt),
		IsRead:    n.IsRead,
	}
	if !n.IsRead {
		item.Tag = NewTag
	}
	return item
}

// Items renders list in order.
func Items(list []notification.Notification) []Item {
	items := make([]Item, len(list))
	for i, n := range list {
		items[i] = NewItem(n)
	}
	return items
}
