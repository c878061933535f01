// Package session resolves the signed-in user's token, username and role and
// derives the push topics that user is entitled to.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotLoggedIn indicates that token, username or role is missing.
var ErrNotLoggedIn = errors.New("session: not logged in")

// Role names after normalization.
const (
	RoleAdmin  = "ADMIN"
	RoleDriver = "DRIVER"

	rolePrefix = "ROLE_"
)

// Push topics.
const (
	AdminTopic     = "/topic/admin/notifications"
	BroadcastTopic = "/topic/notifications/broadcast"
)

// DriverTopic returns the per-driver topic for username.
func DriverTopic(username string) string {
	return fmt.Sprintf("/topic/driver/%s/notifications", username)
}

// Credentials is the auth state a session needs before it may connect.
type Credentials struct {
	Token    string
	Username string
	Role     string
}

// Complete reports whether all three fields are present.
func (c Credentials) Complete() bool {
	return c.Token != "" && c.Username != "" && c.Role != ""
}

// Load lets a Credentials value act as a Source.
func (c Credentials) Load() (Credentials, error) {
	return c, nil
}

// Validate returns ErrNotLoggedIn naming the missing fields.
func (c Credentials) Validate() error {
	var missing []string
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Role == "" {
		missing = append(missing, "role")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotLoggedIn, strings.Join(missing, ", "))
	}
	return nil
}

// NormalizedRole returns the role with NormalizeRole applied.
func (c Credentials) NormalizedRole() string {
	return NormalizeRole(c.Role)
}

// NormalizeRole strips the ROLE_ prefix and upper-cases the role. A JSON
// array of roles is normalized element by element and joined with commas.
func NormalizeRole(role string) string {
	role = strings.TrimSpace(role)
	if strings.HasPrefix(role, "[") {
		var roles []string
		if err := json.Unmarshal([]byte(role), &roles); err == nil {
			out := make([]string, 0, len(roles))
			for _, r := range roles {
				if r = NormalizeRole(r); r != "" {
					out = append(out, r)
				}
			}
			return strings.Join(out, ",")
		}
	}
	role = strings.ToUpper(role)
	return strings.TrimPrefix(role, rolePrefix)
}

// Topics lists the destinations a session subscribes to: the role topic,
// if the role has one, followed by the broadcast topic.
func Topics(c Credentials) []string {
	role := c.NormalizedRole()
	topics := make([]string, 0, 2)

	switch {
	case strings.Contains(role, RoleAdmin):
		topics = append(topics, AdminTopic)
	case strings.Contains(role, RoleDriver):
		topics = append(topics, DriverTopic(c.Username))
	}

	return append(topics, BroadcastTopic)
}
