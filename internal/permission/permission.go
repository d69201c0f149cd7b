package permission

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/lydakis/jul/receive/internal/config"
	"github.com/lydakis/jul/receive/internal/storage"
)

type Permission string

const (
	Read           Permission = "read"
	Create         Permission = "create"
	CreateChange   Permission = "create-change"
	Update         Permission = "update"
	ForceUpdate    Permission = "force-update"
	Delete         Permission = "delete"
	UpdateBySubmit Permission = "update-by-submit"
	SkipValidation Permission = "skip-validation"
	AddPatchSet    Permission = "add-patch-set"
	ToggleWIP      Permission = "toggle-wip"
	WriteConfig    Permission = "write-config"
	AccessDatabase Permission = "access-database"
)

var descriptions = map[Permission]string{
	Read:           "read",
	Create:         "create",
	CreateChange:   "create change",
	Update:         "update",
	ForceUpdate:    "force update",
	Delete:         "delete",
	UpdateBySubmit: "update by submit",
	SkipValidation: "skip validation",
	AddPatchSet:    "add patch set",
	ToggleWIP:      "toggle work in progress state",
	WriteConfig:    "write config",
	AccessDatabase: "access database",
}

func (p Permission) Describe() string {
	if d, ok := descriptions[p]; ok {
		return d
	}
	return string(p)
}

func Parse(s string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := descriptions[p]; !ok {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// User is the account performing the push.
type User struct {
	Name   string   `yaml:"name"`
	Email  string   `yaml:"email"`
	Groups []string `yaml:"groups"`
}

func (u User) String() string {
	if u.Email == "" {
		return u.Name
	}
	return fmt.Sprintf("%s <%s>", u.Name, u.Email)
}

// DeniedError reports a failed permission check.
type DeniedError struct {
	Permission Permission
	Resource   string
	Advice     string
}

func (e *DeniedError) Error() string {
	msg := "not permitted: " + e.Permission.Describe()
	if e.Resource != "" {
		msg += " on " + e.Resource
	}
	return msg
}

// Denied reports whether err is a permission denial.
func Denied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	ok := errors.As(err, &denied)
	return denied, ok
}

type Oracle interface {
	CheckRef(ctx context.Context, user User, ref string, perm Permission) error
	CheckChange(ctx context.Context, user User, change storage.Change, perm Permission) error
	CheckGlobal(ctx context.Context, user User, perm Permission) error
}

type Rule struct {
	// Ref is a path.Match pattern; a trailing "/**" matches every ref below
	// the prefix. An empty Ref only matches global checks.
	Ref         string
	Permissions []Permission
	Users       []string
	Groups      []string
	Allow       bool
}

// Rules evaluates an ordered rule list. The last matching rule wins and
// nothing is allowed by default.
type Rules struct {
	rules []Rule
}

func NewRules(rules ...Rule) *Rules {
	return &Rules{rules: rules}
}

func FromConfig(cfg []config.PermissionRule) (*Rules, error) {
	rules := make([]Rule, 0, len(cfg))
	for i, rc := range cfg {
		rule := Rule{
			Ref:    rc.Ref,
			Users:  rc.Users,
			Groups: rc.Groups,
			Allow:  rc.Action != "deny",
		}
		for _, name := range rc.Permissions {
			if name == "*" {
				rule.Permissions = append(rule.Permissions, "*")
				continue
			}
			p, err := Parse(name)
			if err != nil {
				return nil, fmt.Errorf("permissions[%d]: %w", i, err)
			}
			rule.Permissions = append(rule.Permissions, p)
		}
		rules = append(rules, rule)
	}
	return NewRules(rules...), nil
}

func (r *Rules) CheckRef(_ context.Context, user User, ref string, perm Permission) error {
	if r.allowed(user, ref, perm) {
		return nil
	}
	denied := &DeniedError{Permission: perm, Resource: ref}
	if perm == ForceUpdate {
		denied.Advice = "need force-update permission; push a fast-forward instead"
	}
	return denied
}

// CheckChange lets owners add patch sets and toggle work-in-progress on
// their own changes; everything else falls back to the destination branch.
func (r *Rules) CheckChange(ctx context.Context, user User, change storage.Change, perm Permission) error {
	if change.Owner != "" && change.Owner == user.Name && (perm == AddPatchSet || perm == ToggleWIP) {
		return nil
	}
	if r.allowed(user, change.Branch, perm) {
		return nil
	}
	return &DeniedError{Permission: perm, Resource: fmt.Sprintf("change %d", change.Number)}
}

func (r *Rules) CheckGlobal(_ context.Context, user User, perm Permission) error {
	if r.allowed(user, "", perm) {
		return nil
	}
	return &DeniedError{Permission: perm}
}

func (r *Rules) allowed(user User, ref string, perm Permission) bool {
	allow := false
	for _, rule := range r.rules {
		if !rule.matchesRef(ref) || !rule.matchesPermission(perm) || !rule.matchesUser(user) {
			continue
		}
		allow = rule.Allow
	}
	return allow
}

func (rule Rule) matchesRef(ref string) bool {
	if rule.Ref == "" || ref == "" {
		return rule.Ref == ref
	}
	if prefix, ok := strings.CutSuffix(rule.Ref, "/**"); ok {
		return strings.HasPrefix(ref, prefix+"/")
	}
	ok, err := path.Match(rule.Ref, ref)
	return err == nil && ok
}

func (rule Rule) matchesPermission(perm Permission) bool {
	return slices.Contains(rule.Permissions, "*") || slices.Contains(rule.Permissions, perm)
}

func (rule Rule) matchesUser(user User) bool {
	if len(rule.Users) == 0 && len(rule.Groups) == 0 {
		return true
	}
	if slices.Contains(rule.Users, "*") || slices.Contains(rule.Users, user.Name) {
		return true
	}
	for _, g := range user.Groups {
		if slices.Contains(rule.Groups, g) {
			return true
		}
	}
	return false
}

// AllowAll grants every permission.
type AllowAll struct{}

func (AllowAll) CheckRef(context.Context, User, string, Permission) error { return nil }

func (AllowAll) CheckChange(context.Context, User, storage.Change, Permission) error { return nil }

func (AllowAll) CheckGlobal(context.Context, User, Permission) error { return nil }
