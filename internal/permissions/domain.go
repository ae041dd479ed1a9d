package permissions

import "time"

// GroupKey names a permission group. The set of groups is closed and
// not user-editable; assignments are validated against it before any
// write.
type GroupKey string

const (
	GroupDefaultUser  GroupKey = "default_user"
	GroupPowerUser    GroupKey = "power_user"
	GroupSupportAgent GroupKey = "support_agent"
)

// Group is a named template of default application access.
type Group struct {
	Key             GroupKey
	DisplayName     string
	DefaultAppSlugs []string
}

// KnownGroups is the closed registry of permission groups, in display
// order. default_user is the assignment every user starts with.
var KnownGroups = []Group{
	{Key: GroupDefaultUser, DisplayName: "Default User", DefaultAppSlugs: []string{"dashboard"}},
	{Key: GroupPowerUser, DisplayName: "Power User", DefaultAppSlugs: []string{"dashboard", "notes"}},
	{Key: GroupSupportAgent, DisplayName: "Support Agent", DefaultAppSlugs: []string{"dashboard", "support_inbox"}},
}

var groupsByKey = func() map[GroupKey]Group {
	m := make(map[GroupKey]Group, len(KnownGroups))
	for _, g := range KnownGroups {
		m[g.Key] = g
	}
	return m
}()

// ParseGroupKey maps a raw string to a known group. The second return is
// false for unknown groups; callers treat that as no group-implied access.
func ParseGroupKey(raw string) (Group, bool) {
	g, ok := groupsByKey[GroupKey(raw)]
	return g, ok
}

// App is an installable application. Only active apps ever appear in
// resolution results.
type App struct {
	ID       int64
	Slug     string
	Name     string
	IsActive bool
}

// Grant is a direct, explicit record of one user's access to one app.
// An expired grant is treated as absent without being deleted.
type Grant struct {
	UserID    int64
	AppID     int64
	GrantedBy *int64
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the grant is past its expiry at the given time.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// Access sources, reported on effective permissions for admin views.
const (
	SourceDirect = "direct"
	SourceGroup  = "group"
	SourceRole   = "role"
)

// EffectivePermission is one entry of a user's resolved app access.
// Group- and role-implied entries carry no GrantedAt or GrantedBy.
type EffectivePermission struct {
	App       App
	GrantedAt *time.Time
	GrantedBy *int64
	Source    string
}
