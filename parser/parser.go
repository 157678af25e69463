package parser

import (
	"fmt"
	"strings"
	"time"
)

// Properties maps the name of an embedded text property to its decoded value.
// Values that could not be decoded as UTF-8 are dropped before they get here.
type Properties map[string]string

// Dimensions is the pixel size of the decoded image.
type Dimensions struct {
	Width  int
	Height int
}

// SourceModel identifies the generator an image was attributed to.
type SourceModel int

const (
	Unknown SourceModel = iota
	Midjourney
	StableDiffusion
	EmProps
)

var sourceModelNames = [...]string{
	Unknown:         "UNKNOWN",
	Midjourney:      "MIDJOURNEY",
	StableDiffusion: "STABLE_DIFFUSION",
	EmProps:         "EMPROPS",
}

func (m SourceModel) String() string {
	if m < 0 || int(m) >= len(sourceModelNames) {
		return sourceModelNames[Unknown]
	}
	return sourceModelNames[m]
}

// ParseSourceModel maps a model name (case-insensitive) back to its SourceModel.
func ParseSourceModel(s string) (SourceModel, error) {
	for i, name := range sourceModelNames {
		if strings.EqualFold(s, name) {
			return SourceModel(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown source model: %q", s)
}

func (m SourceModel) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *SourceModel) UnmarshalText(b []byte) error {
	v, err := ParseSourceModel(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Record is the generation metadata recovered from a single image.
// Fields that were not found keep their zero value, except CreatedDate which
// defaults to the extraction time.
type Record struct {
	Prompt      string      `json:"prompt"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Version     string      `json:"version"`
	Profile     string      `json:"profile"`
	JobID       string      `json:"job_id"`
	CreatedDate time.Time   `json:"created_date"`
	Author      string      `json:"author"`
	SourceModel SourceModel `json:"source_model"`
}

// NewRecord returns an empty record stamped with now.
func NewRecord(now time.Time) *Record {
	return &Record{CreatedDate: now, SourceModel: Unknown}
}

// Extractor recovers metadata for one embedding convention.
//
// IsCompatible must not depend on Extract succeeding: a compatible extractor
// may still return false from Extract when the embedded data is malformed.
type Extractor interface {
	Model() SourceModel
	IsCompatible(props Properties) bool
	Extract(props Properties, dims Dimensions) (*Record, bool)
}

func now(clock func() time.Time) time.Time {
	if clock == nil {
		return time.Now()
	}
	return clock()
}
