package profile

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestNewCatalog(t *testing.T) {
	cases := []struct {
		name     string
		images   []Image
		wantKeys []string
		wantErr  string
	}{
		{
			name:     "assigns keys by position",
			images:   []Image{{Data: pngHeader}, {Data: pngHeader}},
			wantKeys: []string{"image_0", "image_1"},
		},
		{
			name:     "lower-cases explicit keys",
			images:   []Image{{Key: "IMAGE_7", Data: pngHeader}},
			wantKeys: []string{"image_7"},
		},
		{
			name:    "rejects duplicates",
			images:  []Image{{Key: "image_1", Data: pngHeader}, {Key: "Image_1", Data: pngHeader}},
			wantErr: "duplicate key",
		},
		{
			name:    "rejects malformed keys",
			images:  []Image{{Key: "photo", Data: pngHeader}},
			wantErr: "must look like image_<n>",
		},
		{
			name:    "rejects empty data",
			images:  []Image{{Key: "image_1"}},
			wantErr: "no data",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewCatalog(tc.images...)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			var keys []string
			for _, img := range c.Images() {
				keys = append(keys, img.Key)
			}
			assert.Equal(t, tc.wantKeys, keys)
		})
	}
}

func TestCatalog_Resolve(t *testing.T) {
	c, err := NewCatalog(Image{Key: "image_3", UserCaption: "my dog", AutoCaption: "a dog on grass", Data: pngHeader})
	require.NoError(t, err)

	img, err := c.Resolve("IMAGE_3")
	require.NoError(t, err)
	assert.Equal(t, "image_3", img.Key)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, "user description: my dog; automated caption: a dog on grass", img.Meta())

	_, err = c.Resolve("image_4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownImage))
	assert.Contains(t, err.Error(), "image_4")
}

func TestCatalog_Listing(t *testing.T) {
	c, err := NewCatalog(
		Image{UserCaption: "beach", AutoCaption: "sand and sea", Data: pngHeader},
		Image{UserCaption: "violin", AutoCaption: "a string instrument", Data: pngHeader},
	)
	require.NoError(t, err)
	assert.Equal(t,
		"image_0: (user description: beach, automated caption: sand and sea)\n"+
			"image_1: (user description: violin, automated caption: a string instrument)\n",
		c.Listing())

	assert.Empty(t, Catalog{}.Listing())
}

func TestParse(t *testing.T) {
	doc := `
id: profile_003
name: Sophia Bennett
description:
  personalityTraits:
    openness: 8
  hobbiesAndInterests:
    - Playing the violin
images:
  - data_b64: ` + base64.StdEncoding.EncodeToString(pngHeader) + `
    user_caption: my violin
    automated_caption: a violin on a table
`
	p, err := Parse(context.Background(), []byte(doc), "")
	require.NoError(t, err)
	assert.Equal(t, "profile_003", p.ID)
	assert.Equal(t, "Sophia Bennett", p.DisplayName())
	assert.Contains(t, p.Description, `"openness": 8`)
	assert.Contains(t, p.Description, "Playing the violin")
	require.Equal(t, 1, p.Images.Len())

	img, err := p.Images.Resolve("image_0")
	require.NoError(t, err)
	assert.Equal(t, "my violin", img.UserCaption)
	assert.Equal(t, pngHeader, img.Data)
}

func TestParse_JSON(t *testing.T) {
	doc := `{"id": "b", "description": "Quick, playful, loves puns."}`
	p, err := Parse(context.Background(), []byte(doc), "")
	require.NoError(t, err)
	assert.Equal(t, "Quick, playful, loves puns.", p.Description)
	assert.Equal(t, "b", p.DisplayName())
	assert.Equal(t, 0, p.Images.Len())
}

func TestLoad_relativePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "about.txt"), []byte("  Introvert who likes chess.  \n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "me.png"), pngHeader, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
id: a
description_source: about.txt
images:
  - key: image_5
    path: me.png
    user_caption: me
`), 0o644))

	p, err := Load(context.Background(), filepath.Join(dir, "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "Introvert who likes chess.", p.Description)
	_, err = p.Images.Resolve("image_5")
	assert.NoError(t, err)
}

func TestParse_errors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing id", `description: hi`, "id is required"},
		{"missing description", `id: a`, "description is required"},
		{"image without data", "id: a\ndescription: hi\nimages:\n  - user_caption: x\n", "path or data_b64"},
		{"bad base64", "id: a\ndescription: hi\nimages:\n  - data_b64: '!!!'\n", "decode data_b64"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(context.Background(), []byte(tc.doc), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDetectSource(t *testing.T) {
	assert.Equal(t, SourceURL, DetectSource("https://example.com/me"))
	assert.Equal(t, SourcePDF, DetectSource("profile.PDF"))
	assert.Equal(t, SourceText, DetectSource("profile.json"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Save(Profile{ID: ""})
	require.Error(t, err)

	replaced, err := r.Save(Profile{ID: "b", Description: "second"})
	require.NoError(t, err)
	assert.False(t, replaced)
	_, err = r.Save(Profile{ID: "a", Description: "first"})
	require.NoError(t, err)
	replaced, err = r.Save(Profile{ID: "b", Description: "updated"})
	require.NoError(t, err)
	assert.True(t, replaced)

	p, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "updated", p.Description)

	_, err = r.Get("c")
	assert.Error(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
