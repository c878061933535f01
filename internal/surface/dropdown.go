package surface

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/notification"
)

// DefaultPreviewLimit caps how many notifications the dropdown shows.
const DefaultPreviewLimit = 10

// SeeAllPath is where the dropdown footer links to.
const SeeAllPath = "/notification/see-all"

// DropdownStore is the part of the store the dropdown uses.
type DropdownStore interface {
	Head(n int) []notification.Notification
	Len() int
	UnreadCount() int
	MarkAllRead(ctx context.Context) error
}

// Dropdown is the bell menu. Opening it marks everything read.
type Dropdown struct {
	store  DropdownStore
	limit  int
	logger *zap.Logger

	mu   sync.Mutex
	open bool
}

// NewDropdown creates a closed dropdown. limit <= 0 uses DefaultPreviewLimit.
func NewDropdown(store DropdownStore, limit int, logger *zap.Logger) *Dropdown {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	return &Dropdown{store: store, limit: limit, logger: logger}
}

// Toggle flips the dropdown. Only the closed to open transition calls
// MarkAllRead; its error is returned but the dropdown stays open.
func (d *Dropdown) Toggle(ctx context.Context) (bool, error) {
	d.mu.Lock()
	opening := !d.open
	d.open = opening
	d.mu.Unlock()

	if !opening {
		return false, nil
	}
	if err := d.store.MarkAllRead(ctx); err != nil {
		d.logger.Warn("dropdown opened but read-all was not persisted", zap.Error(err))
		return true, err
	}
	return true, nil
}

// Close hides the dropdown, as a click outside it does.
func (d *Dropdown) Close() {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
}

// IsOpen reports whether the dropdown is showing.
func (d *Dropdown) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// DropdownView is the serialized dropdown.
type DropdownView struct {
	Open      bool   `json:"open"`
	Items     []Item `json:"items"`
	Unread    int    `json:"unread"`
	More      bool   `json:"more"`
	EmptyText string `json:"emptyText,omitempty"`
	SeeAll    string `json:"seeAll"`
}

// View renders the preview.
func (d *Dropdown) View() DropdownView {
	head := d.store.Head(d.limit)
	v := DropdownView{
		Open:   d.IsOpen(),
		Items:  Items(head),
		Unread: d.store.UnreadCount(),
		More:   d.store.Len() > len(head),
		SeeAll: SeeAllPath,
	}
	if len(head) == 0 {
		v.EmptyText = EmptyDropdownText
	}
	return v
}
