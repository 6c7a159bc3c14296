package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	img := &Attachment{Ref: "image_1", Meta: "m", Data: []byte{1}}

	cases := []struct {
		name    string
		from    string
		to      string
		text    string
		image   *Attachment
		wantErr bool
	}{
		{name: "text only", from: "a", to: "b", text: "hi"},
		{name: "with image", from: "a", to: "b", text: "look", image: img},
		{name: "empty text allowed", from: "a", to: "b"},
		{name: "missing sender", to: "b", text: "hi", wantErr: true},
		{name: "sender is recipient", from: "a", to: "a", text: "hi", wantErr: true},
		{name: "attachment without ref", from: "a", to: "b", image: &Attachment{Data: []byte{1}}, wantErr: true},
		{name: "attachment without data", from: "a", to: "b", image: &Attachment{Ref: "image_1"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := NewMessage(tc.from, tc.to, tc.text, tc.image)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.from, msg.From)
			assert.Equal(t, tc.to, msg.To)
			assert.Equal(t, tc.image != nil, msg.HasImage())
		})
	}
}

func TestStopToken(t *testing.T) {
	cases := []struct {
		text      string
		wantStop  bool
		wantClean string
	}{
		{"[STOP]", true, ""},
		{"ok bye [STOP]", true, "ok bye"},
		{"[STOP] nice meeting you", true, "nice meeting you"},
		{"we should stop here", false, "we should stop here"},
		{"[stop]", false, "[stop]"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.wantStop, IsStop(tc.text), tc.text)
		assert.Equal(t, tc.wantClean, StripStop(tc.text), tc.text)
	}

	msg, err := NewMessage("a", "b", "gotta go [STOP]", nil)
	require.NoError(t, err)
	assert.True(t, msg.Stop)
}

func TestMessage_Body(t *testing.T) {
	plain, err := NewMessage("a", "b", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain.Body())

	img := &Attachment{Ref: "image_2", Meta: "user description: cat; automated caption: a cat", Data: []byte{1}}
	withImage, err := NewMessage("a", "b", "my cat", img)
	require.NoError(t, err)
	assert.Equal(t, "my cat\n[sent image_2: user description: cat; automated caption: a cat]", withImage.Body())

	imageOnly, err := NewMessage("a", "b", "", img)
	require.NoError(t, err)
	assert.Equal(t, "[sent image_2: user description: cat; automated caption: a cat]", imageOnly.Body())
}

func TestTranscript(t *testing.T) {
	var tr Transcript
	m1, _ := NewMessage("a", "b", "one", nil)
	m2, _ := NewMessage("b", "a", "two", &Attachment{Ref: "image_0", Data: []byte{1}})
	m3, _ := NewMessage("a", "b", "three", &Attachment{Ref: "image_4", Data: []byte{2}})
	tr.Append(m1)
	tr.Append(m2)
	tr.Append(m3)

	assert.Equal(t, 3, tr.Len())
	got := tr.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Text)
	assert.Equal(t, "three", got[2].Text)

	// The returned slice is a copy.
	got[0].Text = "changed"
	assert.Equal(t, "one", tr.Messages()[0].Text)

	images := tr.Images()
	require.Len(t, images, 2)
	assert.Equal(t, "image_0", images[0].Ref)
	assert.Equal(t, "image_4", images[1].Ref)
}
