// Package payload assembles notification payloads from the message fields
// stored under a messages sub-tree.
package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pushbridge/internal/statestore"
	"pushbridge/internal/statestore/paths"
)

// Store is the subset of statestore.Store the builder needs.
type Store interface {
	Get(ctx context.Context, path string) (any, bool, error)
	Set(ctx context.Context, path string, value any, ack bool) error
}

type Alert struct {
	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	Body     string `json:"body,omitempty"`
}

func (a *Alert) empty() bool {
	return a == nil || (a.Title == "" && a.Subtitle == "" && a.Body == "")
}

type APS struct {
	Alert *Alert `json:"alert,omitempty"`
	Sound string `json:"sound,omitempty"`
}

func (a *APS) empty() bool {
	return a == nil || (a.Alert.empty() && a.Sound == "")
}

// Payload is the wire shape delivered to clients.
type Payload struct {
	APS      *APS   `json:"aps,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`
}

// Fields holds the raw message fields read from the store.
type Fields struct {
	Title, Subtitle, Body, HTMLBody, Sound string
	MediaURL, ImageURL, VideoURL           string
}

// FromFields drops empty blocks so absent fields never reach the wire.
func FromFields(f Fields) Payload {
	p := Payload{
		MediaURL: f.MediaURL,
		ImageURL: f.ImageURL,
		VideoURL: f.VideoURL,
		HTMLBody: f.HTMLBody,
	}
	aps := &APS{
		Alert: &Alert{Title: f.Title, Subtitle: f.Subtitle, Body: f.Body},
		Sound: f.Sound,
	}
	if aps.Alert.empty() {
		aps.Alert = nil
	}
	if !aps.empty() {
		p.APS = aps
	}
	return p
}

// Encode serializes p without HTML escaping so html_body survives verbatim.
func (p Payload) Encode() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Decode parses a serialized payload.
func Decode(s string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Read collects the message fields under base.
func Read(ctx context.Context, st Store, base string) (Fields, error) {
	var f Fields
	targets := []struct {
		name string
		dst  *string
	}{
		{paths.FieldTitle, &f.Title},
		{paths.FieldSubtitle, &f.Subtitle},
		{paths.FieldBody, &f.Body},
		{paths.FieldHTMLBody, &f.HTMLBody},
		{paths.FieldSound, &f.Sound},
		{paths.FieldMediaURL, &f.MediaURL},
		{paths.FieldImageURL, &f.ImageURL},
		{paths.FieldVideoURL, &f.VideoURL},
	}
	for _, t := range targets {
		v, ok, err := st.Get(ctx, paths.Field(base, t.name))
		if err != nil {
			return Fields{}, err
		}
		if !ok {
			continue
		}
		if s, ok := statestore.RawText(v); ok {
			*t.dst = s
		}
	}
	return f, nil
}

// Build reads the fields under base, serializes them and stores the result at
// <base>.payload as an acknowledged write. On a read failure nothing is written.
func Build(ctx context.Context, st Store, base string) (string, error) {
	f, err := Read(ctx, st, base)
	if err != nil {
		return "", fmt.Errorf("build payload %s: %w", base, err)
	}
	s, err := FromFields(f).Encode()
	if err != nil {
		return "", fmt.Errorf("build payload %s: %w", base, err)
	}
	if err := st.Set(ctx, paths.Field(base, paths.FieldPayload), s, true); err != nil {
		return "", fmt.Errorf("build payload %s: %w", base, err)
	}
	return s, nil
}
