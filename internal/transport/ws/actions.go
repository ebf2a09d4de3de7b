package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pushbridge/internal/push/registry"
	"pushbridge/internal/statestore"
	"pushbridge/internal/statestore/paths"
	logx "pushbridge/pkg/logx"
)

type handler func(ctx context.Context, c registry.Conn, env Envelope) Result

const (
	ActionSetDeviceToken = "setDeviceToken"
	ActionOnlineState    = "onlineState"
	ActionGetPersons     = "getPersons"
	ActionGetDevices     = "getDevices"
	ActionPostPersons    = "postPersons"
	ActionPostDevices    = "postDevices"
	ActionSet            = "set"
	ActionSetPresence    = "setPresence"
	ActionGetZones       = "getZones"
	ActionTagsTrigger    = "tagsTrigger"
	ActionCreateTag      = "createTag"
)

var (
	errInvalidName = errors.New("Invalid person or device name")
	errUnknownTag  = errors.New("Unknown tag")
	errStore       = errors.New("State store unavailable")
)

func (s *Server) routes() map[string]handler {
	return map[string]handler{
		ActionSetDeviceToken: s.setDeviceToken,
		ActionOnlineState:    s.onlineState,
		ActionGetPersons:     s.getPersons,
		ActionGetDevices:     s.getDevices,
		ActionPostPersons:    s.postPersons,
		ActionPostDevices:    s.postDevices,
		ActionSet:            s.set,
		ActionSetPresence:    s.setPresence,
		ActionGetZones:       s.getZones,
		ActionTagsTrigger:    s.tagsTrigger,
		ActionCreateTag:      s.createTag,
	}
}

// storeFail logs a store error and returns the client-facing reply.
func (s *Server) storeFail(action string, err error) Result {
	s.log.Warn("action failed", logx.String("action", action), logx.Err(err))
	if errors.Is(err, statestore.ErrUnavailable) {
		return Fail(action, errStore)
	}
	return Fail(action, err)
}

type deviceTokenReq struct {
	ClientID string `json:"clientId" validate:"required"`
	Person   string `json:"person" validate:"required"`
	Device   string `json:"device" validate:"required"`
	Token    string `json:"token"`
}

func (s *Server) setDeviceToken(ctx context.Context, c registry.Conn, env Envelope) Result {
	var data struct {
		Token string `json:"token"`
	}
	if err := env.decodeData(&data); err != nil {
		return Fail(env.Action, err)
	}
	req := deviceTokenReq{
		ClientID: strings.TrimSpace(env.ClientID),
		Person:   strings.TrimSpace(env.Person),
		Device:   strings.TrimSpace(env.Device),
		Token:    strings.TrimSpace(data.Token),
	}
	if err := check(req); err != nil {
		return Fail(env.Action, err)
	}
	if !paths.ValidName(req.Person) || !paths.ValidName(req.Device) {
		return Fail(env.Action, errInvalidName)
	}

	if err := s.store.Set(ctx, s.ns.DeviceField(req.Person, req.Device, paths.DeviceClientID), req.ClientID, true); err != nil {
		return s.storeFail(env.Action, err)
	}
	if req.Token != "" {
		if err := s.store.Set(ctx, s.ns.DeviceField(req.Person, req.Device, paths.DeviceToken), req.Token, true); err != nil {
			return s.storeFail(env.Action, err)
		}
	}
	n := s.disp.Connect(ctx, req.ClientID, c, registry.Identity{Person: req.Person, Device: req.Device})
	s.log.Info("device registered",
		logx.String("client_id", req.ClientID),
		logx.String("person", req.Person),
		logx.String("device", req.Device),
		logx.Int("replayed", n),
	)
	return OK(env.Action)
}

type onlineReq struct {
	ClientID string `json:"clientId" validate:"required"`
}

type onlineState struct {
	ClientID string `json:"clientId"`
	Online   bool   `json:"online"`
}

func (s *Server) onlineState(_ context.Context, _ registry.Conn, env Envelope) Result {
	var req onlineReq
	if err := env.decodeData(&req); err != nil {
		return Fail(env.Action, err)
	}
	if req.ClientID == "" {
		req.ClientID = env.ClientID
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if err := check(req); err != nil {
		return Fail(env.Action, err)
	}
	return Data(env.Action, onlineState{ClientID: req.ClientID, Online: s.disp.IsOnline(req.ClientID)})
}

// channels lists the children of prefix except the messages sub-tree.
func (s *Server) channels(ctx context.Context, prefix string) ([]string, error) {
	kids, err := s.store.Children(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kids))
	for _, k := range kids {
		if k != paths.Messages {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Server) getPersons(ctx context.Context, _ registry.Conn, env Envelope) Result {
	persons, err := s.channels(ctx, s.ns.Persons())
	if err != nil {
		return s.storeFail(env.Action, err)
	}
	return Data(env.Action, persons)
}

type personReq struct {
	Person string `json:"person" validate:"required"`
}

func (s *Server) getDevices(ctx context.Context, _ registry.Conn, env Envelope) Result {
	req := personReq{Person: env.Person}
	if err := env.decodeData(&req); err != nil {
		return Fail(env.Action, err)
	}
	if err := check(req); err != nil {
		return Fail(env.Action, err)
	}
	devices, err := s.channels(ctx, s.ns.Person(req.Person))
	if err != nil {
		return s.storeFail(env.Action, err)
	}
	return Data(env.Action, devices)
}

type postPersonsReq struct {
	Persons []string `json:"persons" validate:"required,min=1,dive,required"`
}

// postPersons creates person channels with an empty messages sub-tree.
func (s *Server) postPersons(ctx context.Context, _ registry.Conn, env Envelope) Result {
	var req postPersonsReq
	if err := env.decodeData(&req); err != nil {
		return Fail(env.Action, err)
	}
	if err := check(req); err != nil {
		return Fail(env.Action, err)
	}
	for _, p := range req.Persons {
		if !paths.ValidName(p) {
			return Fail(env.Action, errInvalidName)
		}
	}
	for _, p := range req.Persons {
		if err := s.ensureMessages(ctx, s.ns.Base(paths.PersonScope(p))); err != nil {
			return s.storeFail(env.Action, err)
		}
	}
	return OK(env.Action)
}

type postDevicesReq struct {
	Person  string   `json:"person" validate:"required"`
	Devices []string `json:"devices" validate:"required,min=1,dive,required"`
}

func (s *Server) postDevices(ctx context.Context, _ registry.Conn, env Envelope) Result {
	req := postDevicesReq{Person: env.Person}
	if err := env.decodeData(&req); err != nil {
		return Fail(env.Action, err)
	}
	if err := check(req); err != nil {
		return Fail(env.Action, err)
	}
	if !paths.ValidName(req.Person) {
		return Fail(env.Action, errInvalidName)
	}
	for _, d := range req.Devices {
		if !paths.ValidName(d) {
			return Fail(env.Action, errInvalidName)
		}
	}
	if err := s.ensureMessages(ctx, s.ns.Base(paths.PersonScope(req.Person))); err != nil {
		return s.storeFail(env.Action, err)
	}
	for _, d := range req.Devices {
		if _, err := s.store.SetIfMissing(ctx, s.ns.DeviceField(req.Person, d, paths.DeviceConnection), false, true); err != nil {
			return s.storeFail(env.Action, err)
		}
		if err := s.ensureMessages(ctx, s.ns.Base(paths.DeviceScope(req.Person, d))); err != nil {
			return s.storeFail(env.Action, err)
		}
	}
	return OK(env.Action)
}

func (s *Server) ensureMessages(ctx context.Context, base string) error {
	if _, err := s.store.SetIfMissing(ctx, paths.Field(base, paths.FieldSend), false, true); err != nil {
		return err
	}
	_, err := s.store.SetIfMissing(ctx, paths.Field(base, paths.FieldPayload), "", true)
	return err
}

type setReq struct {
	Path  string `json:"path" validate:"required"`
	Value any    `json:"value"`
}

// set writes a namespace-relative path as an external (unacknowledged) change.
func (s *Server) set(ctx context.Context, _ registry.Conn, env Envelope) Result {
	var req setReq
	if err := env.decodeData(&req); err != nil {
		return Fail(env.Action, err)
	}
	req.Path = strings.Trim(strings.TrimSpace(req.Path), ".")
	if err := check(req); err != nil {
		return Fail(env.Action, err)
	}
	if strings.Contains(req.Path, "..") {
		return Fail(env.Action, fmt.Errorf("Invalid path: %s", req.Path))
	}
	if err := s.store.Set(ctx, s.ns.Abs(req.Path), req.Value, false); err != nil {
		return s.storeFail(env.Action, err)
	}
	return OK(env.Action)
}

type presenceReq struct {
	Person   string   `json:"person" validate:"required"`
	Zone     string   `json:"zone" validate:"required"`
	Present  *bool    `json:"present" validate:"required"`
	Distance *float64 `json:"distance,omitempty" validate:"omitempty,gte=0"`
}

func (s *Server) setPresence(ctx context.Context, _ registry.Conn, env Envelope) Result {
	req := presenceReq{Person: env.Person}
	if err := env.decodeData(&req); err != nil {
		return Fail(env.Action, err)
	}
	if err := check(req); err != nil {
		return Fail(env.Action, err)
	}
	if !paths.ValidName(req.Person) || !paths.ValidName(req.Zone) {
		return Fail(env.Action, errInvalidName)
	}
	if err := s.store.Set(ctx, s.ns.ZonePresence(req.Zone, req.Person), *req.Present, true); err != nil {
		return s.storeFail(env.Action, err)
	}
	if req.Distance != nil {
		if err := s.store.Set(ctx, s.ns.ZoneDistance(req.Zone, req.Person), *req.Distance, true); err != nil {
			return s.storeFail(env.Action, err)
		}
	}
	return OK(env.Action)
}

type presence struct {
	Person   string   `json:"person"`
	Present  bool     `json:"present"`
	Distance *float64 `json:"distance,omitempty"`
}

type zone struct {
	Zone    string     `json:"zone"`
	Persons []presence `json:"persons"`
}

func (s *Server) getZones(ctx context.Context, _ registry.Conn, env Envelope) Result {
	names, err := s.store.Children(ctx, s.ns.Zones())
	if err != nil {
		return s.storeFail(env.Action, err)
	}
	out := make([]zone, 0, len(names))
	for _, z := range names {
		kids, err := s.store.Children(ctx, s.ns.Zone(z))
		if err != nil {
			return s.storeFail(env.Action, err)
		}
		zv := zone{Zone: z, Persons: []presence{}}
		for _, k := range kids {
			if _, isDist := paths.IsDistanceKey(k); isDist {
				continue
			}
			v, _, err := s.store.Get(ctx, s.ns.ZonePresence(z, k))
			if err != nil {
				return s.storeFail(env.Action, err)
			}
			p := presence{Person: k, Present: statestore.IsTrue(v)}
			if dv, ok, err := s.store.Get(ctx, s.ns.ZoneDistance(z, k)); err == nil && ok {
				if f, isNum := dv.(float64); isNum {
					p.Distance = &f
				}
			}
			zv.Persons = append(zv.Persons, p)
		}
		out = append(out, zv)
	}
	return Data(env.Action, out)
}

type tagReq struct {
	TagID string `json:"tagId" validate:"required"`
}

func (s *Server) decodeTag(env Envelope) (tagReq, *Result) {
	var req tagReq
	if err := env.decodeData(&req); err != nil {
		r := Fail(env.Action, err)
		return req, &r
	}
	req.TagID = strings.TrimSpace(req.TagID)
	if err := check(req); err != nil {
		r := Fail(env.Action, err)
		return req, &r
	}
	if !paths.ValidName(req.TagID) {
		r := Fail(env.Action, fmt.Errorf("Invalid tag id: %s", req.TagID))
		return req, &r
	}
	return req, nil
}

// tagsTrigger sets a tag true and schedules its reset to false.
func (s *Server) tagsTrigger(ctx context.Context, _ registry.Conn, env Envelope) Result {
	req, bad := s.decodeTag(env)
	if bad != nil {
		return *bad
	}
	p := s.ns.Tag(req.TagID)
	ok, err := s.store.Exists(ctx, p)
	if err != nil {
		return s.storeFail(env.Action, err)
	}
	if !ok {
		return Fail(env.Action, errUnknownTag)
	}
	if err := s.store.Set(ctx, p, true, false); err != nil {
		return s.storeFail(env.Action, err)
	}
	delay := s.cfg().TagResetAfter
	err = s.sched.AddOnce("tag.reset:"+req.TagID, delay, 0, func(ctx context.Context) error {
		return s.store.Set(ctx, p, false, true)
	})
	if err != nil {
		s.log.Warn("tag reset not scheduled", logx.String("tag", req.TagID), logx.Err(err))
	}
	return OK(env.Action)
}

func (s *Server) createTag(ctx context.Context, _ registry.Conn, env Envelope) Result {
	req, bad := s.decodeTag(env)
	if bad != nil {
		return *bad
	}
	if err := s.store.Set(ctx, s.ns.Tag(req.TagID), false, true); err != nil {
		return s.storeFail(env.Action, err)
	}
	return OK(env.Action)
}
