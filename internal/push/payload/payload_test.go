package payload

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbridge/internal/statestore"
)

const base = "pushbridge.0.person.alice.phone.messages"

func TestFromFieldsOmitsEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Fields
		want string
	}{
		{"empty", Fields{}, `{}`},
		{"title only", Fields{Title: "Hi"}, `{"aps":{"alert":{"title":"Hi"}}}`},
		{"sound only", Fields{Sound: "ding"}, `{"aps":{"sound":"ding"}}`},
		{
			"full",
			Fields{Title: "T", Subtitle: "S", Body: "B", Sound: "x", MediaURL: "m", ImageURL: "i", VideoURL: "v", HTMLBody: "<b>h</b>"},
			`{"aps":{"alert":{"title":"T","subtitle":"S","body":"B"},"sound":"x"},"media_url":"m","image_url":"i","video_url":"v","html_body":"<b>h</b>"}`,
		},
		{"urls without alert", Fields{ImageURL: "https://x/y.png"}, `{"image_url":"https://x/y.png"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := FromFields(tt.in).Encode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildWritesAcknowledgedPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := statestore.NewMemoryStore()
	require.NoError(t, st.Set(ctx, base+".title", "Hi", false))
	require.NoError(t, st.Set(ctx, base+".body", "", false))
	require.NoError(t, st.Set(ctx, base+".sound", nil, false))

	var sigs []statestore.Signal
	st.Observe(func(s statestore.Signal) { sigs = append(sigs, s) })

	got, err := Build(ctx, st, base)
	require.NoError(t, err)
	assert.Equal(t, `{"aps":{"alert":{"title":"Hi"}}}`, got)

	v, ok, err := st.Get(ctx, base+".payload")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got, v)

	require.Len(t, sigs, 1)
	assert.True(t, sigs[0].Ack)
	assert.Equal(t, base+".payload", sigs[0].Path)

	p, err := Decode(got)
	require.NoError(t, err)
	require.NotNil(t, p.APS)
	assert.Equal(t, "Hi", p.APS.Alert.Title)
}

func TestReadKeepsSurroundingWhitespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := statestore.NewMemoryStore()
	require.NoError(t, st.Set(ctx, base+".title", "Hi", false))
	require.NoError(t, st.Set(ctx, base+".body", "  indented\n", false))
	require.NoError(t, st.Set(ctx, base+".html_body", "<p>x</p> ", false))
	require.NoError(t, st.Set(ctx, base+".subtitle", "   ", false))

	f, err := Read(ctx, st, base)
	require.NoError(t, err)
	assert.Equal(t, "  indented\n", f.Body)
	assert.Equal(t, "<p>x</p> ", f.HTMLBody)
	assert.Empty(t, f.Subtitle, "blank values are absent")

	got, err := FromFields(f).Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"aps":{"alert":{"title":"Hi","body":"  indented\n"}},"html_body":"<p>x</p> "}`, got)
}

type brokenStore struct{ writes int }

func (b *brokenStore) Get(context.Context, string) (any, bool, error) {
	return nil, false, statestore.ErrUnavailable
}

func (b *brokenStore) Set(context.Context, string, any, bool) error {
	b.writes++
	return nil
}

func TestBuildReadFailureLeavesPayload(t *testing.T) {
	t.Parallel()
	st := &brokenStore{}
	_, err := Build(context.Background(), st, base)
	require.Error(t, err)
	assert.True(t, errors.Is(err, statestore.ErrUnavailable))
	assert.Zero(t, st.writes)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := Decode("{not json")
	assert.Error(t, err)
}
