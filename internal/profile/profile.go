package profile

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrUnknownImage is returned when an image reference does not resolve in a
// persona's catalog.
var ErrUnknownImage = errors.New("unknown image reference")

var imageKeyRe = regexp.MustCompile(`^image_\d+$`)

// Image is one entry of a persona's image catalog.
type Image struct {
	Key         string
	UserCaption string
	AutoCaption string
	Data        []byte
	MIMEType    string
}

// Meta renders the caption metadata attached to a message carrying the image.
func (i Image) Meta() string {
	return fmt.Sprintf("user description: %s; automated caption: %s", i.UserCaption, i.AutoCaption)
}

// Catalog is an ordered, immutable set of images addressable by key.
type Catalog struct {
	images []Image
	index  map[string]int
}

// NewCatalog builds a catalog. Images without a key are assigned image_<i>
// by position; keys are lower-cased and must be unique.
func NewCatalog(images ...Image) (Catalog, error) {
	c := Catalog{
		images: make([]Image, 0, len(images)),
		index:  make(map[string]int, len(images)),
	}
	for i, img := range images {
		if img.Key == "" {
			img.Key = fmt.Sprintf("image_%d", i)
		}
		img.Key = strings.ToLower(strings.TrimSpace(img.Key))
		if !imageKeyRe.MatchString(img.Key) {
			return Catalog{}, fmt.Errorf("image %d: key %q must look like image_<n>", i, img.Key)
		}
		if _, dup := c.index[img.Key]; dup {
			return Catalog{}, fmt.Errorf("image %d: duplicate key %q", i, img.Key)
		}
		if len(img.Data) == 0 {
			return Catalog{}, fmt.Errorf("image %s has no data", img.Key)
		}
		if img.MIMEType == "" {
			img.MIMEType = http.DetectContentType(img.Data)
		}
		c.index[img.Key] = len(c.images)
		c.images = append(c.images, img)
	}
	return c, nil
}

// Resolve looks up an image by key, ignoring case.
func (c Catalog) Resolve(key string) (Image, error) {
	i, ok := c.index[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Image{}, fmt.Errorf("%w: %q", ErrUnknownImage, key)
	}
	return c.images[i], nil
}

// Len returns the number of images.
func (c Catalog) Len() int { return len(c.images) }

// Images returns the catalog entries in order.
func (c Catalog) Images() []Image {
	return append([]Image(nil), c.images...)
}

// Listing renders one line per image for inclusion in a prompt.
func (c Catalog) Listing() string {
	var sb strings.Builder
	for _, img := range c.images {
		fmt.Fprintf(&sb, "%s: (user description: %s, automated caption: %s)\n", img.Key, img.UserCaption, img.AutoCaption)
	}
	return sb.String()
}

// Profile is the persona-descriptive payload consumed by the conversation
// core. It is built once and never modified afterwards.
type Profile struct {
	ID          string
	Name        string
	Description string
	Images      Catalog
}

// DisplayName returns Name, falling back to ID.
func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Validate checks the fields the conversation core relies on.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("profile id is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("profile %s: description is required", p.ID)
	}
	return nil
}
