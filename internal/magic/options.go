package magic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lydakis/jul/receive/internal/config"
)

// PushOptions is the ordered multimap of "-o key[=value]" strings sent
// alongside the push.
type PushOptions struct {
	keys   []string
	values map[string][]string
}

func NewPushOptions() *PushOptions {
	return &PushOptions{values: make(map[string][]string)}
}

func ParsePushOptions(raw []string) *PushOptions {
	opts := NewPushOptions()
	for _, s := range raw {
		key, value, _ := strings.Cut(s, "=")
		opts.Put(key, value)
	}
	return opts
}

func (o *PushOptions) Put(key, value string) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = append(o.values[key], value)
}

func (o *PushOptions) Get(key string) []string {
	if o == nil {
		return nil
	}
	return o.values[key]
}

// Last returns the final value given for key.
func (o *PushOptions) Last(key string) (string, bool) {
	values := o.Get(key)
	if len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

func (o *PushOptions) Has(key string) bool {
	return len(o.Get(key)) > 0
}

func (o *PushOptions) Keys() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.keys...)
}

func (o *PushOptions) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Strings renders the options back into "-o" form, in insertion order.
func (o *PushOptions) Strings() []string {
	var out []string
	for _, key := range o.Keys() {
		for _, value := range o.values[key] {
			if value == "" {
				out = append(out, key)
			} else {
				out = append(out, key+"="+value)
			}
		}
	}
	return out
}

type Label struct {
	Name  string
	Value int
}

// ParseLabel accepts "Name", "Name+N", "Name-N" and "Name=N". A bare name
// votes +1.
func ParseLabel(token string) (Label, error) {
	token = strings.TrimSpace(token)
	var l Label
	if name, value, ok := strings.Cut(token, "="); ok {
		v, err := strconv.Atoi(value)
		if err != nil {
			return Label{}, fmt.Errorf("invalid label value %q", value)
		}
		l = Label{Name: name, Value: v}
	} else if i := strings.LastIndexAny(token, "+-"); i > 0 && isDigits(token[i+1:]) {
		v, err := strconv.Atoi(token[i:])
		if err != nil {
			return Label{}, fmt.Errorf("invalid label value %q", token[i:])
		}
		l = Label{Name: token[:i], Value: v}
	} else {
		l = Label{Name: token, Value: 1}
	}
	if !validLabelName(l.Name) {
		return Label{}, fmt.Errorf("invalid label name %q", l.Name)
	}
	return l, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validLabelName(name string) bool {
	if name == "" || strings.HasPrefix(name, "-") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Registry lists the "<plugin>~<name>" push options plugins understand.
type Registry struct {
	options []config.PluginOption
}

func NewRegistry(options ...config.PluginOption) *Registry {
	return &Registry{options: options}
}

func (r *Registry) Has(key string) bool {
	if r == nil {
		return false
	}
	for _, o := range r.options {
		if o.Plugin+"~"+o.Name == key {
			return true
		}
	}
	return false
}

// Help renders one sorted "-o plugin~name: description" line per option.
func (r *Registry) Help() string {
	if r == nil {
		return ""
	}
	lines := make([]string, 0, len(r.options))
	for _, o := range r.options {
		lines = append(lines, fmt.Sprintf("-o %s~%s: %s", o.Plugin, o.Name, o.Description))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
