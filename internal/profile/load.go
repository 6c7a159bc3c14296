package profile

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk (YAML or JSON) form of a profile.
type Document struct {
	ID                string          `yaml:"id" json:"id"`
	Name              string          `yaml:"name" json:"name"`
	Description       yaml.Node       `yaml:"description" json:"-"`
	DescriptionSource string          `yaml:"description_source" json:"description_source"`
	Images            []ImageDocument `yaml:"images" json:"images"`
}

// ImageDocument describes one catalog image: either a file path or inline
// base64 data.
type ImageDocument struct {
	Key         string `yaml:"key" json:"key"`
	Path        string `yaml:"path" json:"path"`
	DataB64     string `yaml:"data_b64" json:"data_b64"`
	MIMEType    string `yaml:"mime_type" json:"mime_type"`
	UserCaption string `yaml:"user_caption" json:"user_caption"`
	AutoCaption string `yaml:"automated_caption" json:"automated_caption"`
}

// Load reads a profile document from path. Relative image paths and
// description sources resolve against the document's directory.
func Load(ctx context.Context, path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
	}
	p, err := Parse(ctx, data, filepath.Dir(path))
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a YAML or JSON profile document. The description may be a
// string or any structured value; structured values are kept as indented
// JSON text.
func Parse(ctx context.Context, data []byte, baseDir string) (Profile, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}

	description, err := descriptionText(&doc.Description)
	if err != nil {
		return Profile{}, err
	}
	if description == "" && doc.DescriptionSource != "" {
		loc := doc.DescriptionSource
		if DetectSource(loc) != SourceURL {
			loc = resolvePath(baseDir, loc)
		}
		description, err = NewSource(loc).Read(ctx, loc)
		if err != nil {
			return Profile{}, fmt.Errorf("description source: %w", err)
		}
	}

	images := make([]Image, 0, len(doc.Images))
	for i, d := range doc.Images {
		img, err := d.image(baseDir)
		if err != nil {
			return Profile{}, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, img)
	}
	catalog, err := NewCatalog(images...)
	if err != nil {
		return Profile{}, err
	}

	p := Profile{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: description,
		Images:      catalog,
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func descriptionText(node *yaml.Node) (string, error) {
	switch node.Kind {
	case 0:
		return "", nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return "", nil
		}
		return node.Value, nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return "", fmt.Errorf("decode description: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(out), nil
}

func (d ImageDocument) image(baseDir string) (Image, error) {
	var data []byte
	switch {
	case d.DataB64 != "":
		b, err := base64.StdEncoding.DecodeString(d.DataB64)
		if err != nil {
			return Image{}, fmt.Errorf("decode data_b64: %w", err)
		}
		data = b
	case d.Path != "":
		path := resolvePath(baseDir, d.Path)
		if err := validateFile(path); err != nil {
			return Image{}, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return Image{}, fmt.Errorf("read image: %w", err)
		}
		data = b
	default:
		return Image{}, fmt.Errorf("either path or data_b64 is required")
	}
	return Image{
		Key:         d.Key,
		UserCaption: d.UserCaption,
		AutoCaption: d.AutoCaption,
		Data:        data,
		MIMEType:    d.MIMEType,
	}, nil
}

func resolvePath(baseDir, path string) string {
	if baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
