package surface

import "strconv"

// UnreadCounter is the part of the store the badge reads.
type UnreadCounter interface {
	UnreadCount() int
}

// Badge shows the unread count on the notification bell.
type Badge struct {
	store UnreadCounter
}

// NewBadge creates a badge bound to store.
func NewBadge(store UnreadCounter) *Badge {
	return &Badge{store: store}
}

// Count returns the current unread count.
func (b *Badge) Count() int {
	return b.store.UnreadCount()
}

// Visible is false when nothing is unread.
func (b *Badge) Visible() bool {
	return b.Count() > 0
}

// Label is the badge text, empty when nothing is unread.
func (b *Badge) Label() string {
	n := b.Count()
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// BadgeView is the serialized badge.
type BadgeView struct {
	Count   int    `json:"count"`
	Visible bool   `json:"visible"`
	Label   string `json:"label"`
}

// View reads the count once and renders all fields from it.
func (b *Badge) View() BadgeView {
	n := b.Count()
	v := BadgeView{Count: n, Visible: n > 0}
	if v.Visible {
		v.Label = strconv.Itoa(n)
	}
	return v
}
