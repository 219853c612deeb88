// Package imagegen generates illustrations for assistant replies.
package imagegen

import (
	"context"
	"errors"
)

// Progress is an intermediate update from a running generation.
type Progress struct {
	Status  string
	Message string
}

// Image is a generated picture hosted by the provider.
type Image struct {
	URL         string
	Width       int
	Height      int
	ContentType string
}

// Generator produces one image for a prompt. progress may be nil.
type Generator interface {
	Generate(ctx context.Context, prompt string, progress func(Progress)) (*Image, error)
}

// ErrNoImages is returned when the provider completes without output.
var ErrNoImages = errors.New("no images generated")
