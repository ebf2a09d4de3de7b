// Package paths names every state-store location the dispatcher touches.
//
// Recipient scopes (three tiers):
//
//	<ns>.person.<person>.<device>.messages.<field>   device
//	<ns>.person.<person>.messages.<field>            person (all devices)
//	<ns>.messages.<field>                            global (every device)
package paths

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Messages   = "messages"
	PersonRoot = "person"
	ZonesRoot  = "zones"
	TagsRoot   = "tags"

	FieldSend     = "send"
	FieldPayload  = "payload"
	FieldTitle    = "title"
	FieldSubtitle = "subtitle"
	FieldBody     = "body"
	FieldHTMLBody = "html_body"
	FieldSound    = "sound"
	FieldMediaURL = "media_url"
	FieldImageURL = "image_url"
	FieldVideoURL = "video_url"

	DeviceClientID   = "ws_device_id"
	DeviceConnection = "connection"
	DeviceToken      = "device_token"

	distanceSuffix = "_distance"
)

var ErrMalformed = errors.New("malformed message path")

type ScopeKind int

const (
	ScopeDevice ScopeKind = iota + 1
	ScopePerson
	ScopeGlobal
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeDevice:
		return "device"
	case ScopePerson:
		return "person"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Scope identifies a recipient set.
type Scope struct {
	Kind   ScopeKind
	Person string
	Device string
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeDevice:
		return s.Person + "." + s.Device
	case ScopePerson:
		return s.Person
	case ScopeGlobal:
		return "*"
	default:
		return "?"
	}
}

func DeviceScope(person, device string) Scope {
	return Scope{Kind: ScopeDevice, Person: person, Device: device}
}

func PersonScope(person string) Scope { return Scope{Kind: ScopePerson, Person: person} }

func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// Namespace qualifies every path, e.g. "pushbridge.0".
type Namespace string

func (ns Namespace) join(parts ...string) string {
	return string(ns) + "." + strings.Join(parts, ".")
}

// Abs qualifies a namespace-relative path. Already-qualified paths are returned unchanged.
func (ns Namespace) Abs(rel string) string {
	rel = strings.Trim(strings.TrimSpace(rel), ".")
	if rel == string(ns) || strings.HasPrefix(rel, string(ns)+".") {
		return rel
	}
	return ns.join(rel)
}

// Rel strips the namespace; ok is false when path lies outside it.
func (ns Namespace) Rel(path string) (string, bool) {
	pfx := string(ns) + "."
	if !strings.HasPrefix(path, pfx) {
		return "", false
	}
	return path[len(pfx):], true
}

func (ns Namespace) Persons() string             { return ns.join(PersonRoot) }
func (ns Namespace) Person(p string) string      { return ns.join(PersonRoot, p) }
func (ns Namespace) Device(p, d string) string   { return ns.join(PersonRoot, p, d) }
func (ns Namespace) Zones() string               { return ns.join(ZonesRoot) }
func (ns Namespace) Zone(z string) string        { return ns.join(ZonesRoot, z) }
func (ns Namespace) Tags() string                { return ns.join(TagsRoot) }
func (ns Namespace) Tag(id string) string        { return ns.join(TagsRoot, id) }
func (ns Namespace) ZonePresence(z, p string) string {
	return ns.join(ZonesRoot, z, p)
}
func (ns Namespace) ZoneDistance(z, p string) string {
	return ns.join(ZonesRoot, z, p+distanceSuffix)
}

func (ns Namespace) DeviceField(p, d, field string) string {
	return ns.join(PersonRoot, p, d, field)
}

// Base returns the messages sub-tree for scope.
func (ns Namespace) Base(s Scope) string {
	switch s.Kind {
	case ScopeDevice:
		return ns.join(PersonRoot, s.Person, s.Device, Messages)
	case ScopePerson:
		return ns.join(PersonRoot, s.Person, Messages)
	default:
		return ns.join(Messages)
	}
}

// Field joins a base path and a field name.
func Field(base, field string) string { return base + "." + field }

// IsDistanceKey reports whether a zone child is a distance entry and returns the person.
func IsDistanceKey(child string) (string, bool) {
	if strings.HasSuffix(child, distanceSuffix) {
		return strings.TrimSuffix(child, distanceSuffix), true
	}
	return "", false
}

// ParseMessage splits an absolute path below a messages sub-tree into scope,
// base path and field name. Paths outside the namespace, or not addressing a
// messages field, return ErrMalformed.
func (ns Namespace) ParseMessage(path string) (Scope, string, string, error) {
	rel, ok := ns.Rel(path)
	if !ok {
		return Scope{}, "", "", fmt.Errorf("%w: %q outside namespace %q", ErrMalformed, path, ns)
	}
	seg := strings.Split(rel, ".")
	for _, s := range seg {
		if s == "" {
			return Scope{}, "", "", fmt.Errorf("%w: %q has empty segment", ErrMalformed, path)
		}
	}

	var sc Scope
	switch {
	case len(seg) == 2 && seg[0] == Messages:
		sc = GlobalScope()
	case len(seg) == 4 && seg[0] == PersonRoot && seg[2] == Messages:
		sc = PersonScope(seg[1])
	case len(seg) == 5 && seg[0] == PersonRoot && seg[3] == Messages && seg[2] != Messages:
		sc = DeviceScope(seg[1], seg[2])
	default:
		return Scope{}, "", "", fmt.Errorf("%w: %q", ErrMalformed, path)
	}
	field := seg[len(seg)-1]
	return sc, ns.Base(sc), field, nil
}

// IsMessagesPath is a cheap pre-filter: does path contain a messages segment?
func IsMessagesPath(path string) bool {
	return strings.Contains(path, "."+Messages+".")
}

// ValidName rejects names that would break path parsing.
func ValidName(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || s == Messages || strings.ContainsAny(s, ".*?[]\\ ") {
		return false
	}
	return true
}
