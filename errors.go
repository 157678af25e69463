package promptmeta

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatch is returned when no extractor recognises the image metadata.
	ErrNoMatch = errors.New("promptmeta: no metadata extractor matched")

	// ErrUnsupportedImage is returned for images whose container cannot be
	// decoded.
	ErrUnsupportedImage = errors.New("promptmeta: unsupported image")

	// ErrImageTooLarge is returned for images over Config.MaxImageBytes. It
	// also matches ErrUnsupportedImage.
	ErrImageTooLarge = fmt.Errorf("%w: image too large", ErrUnsupportedImage)

	// ErrRecordNotFound is returned when a history ID does not exist.
	ErrRecordNotFound = errors.New("promptmeta: record not found")

	// ErrStoreClosed is returned when operating on a closed engine.
	ErrStoreClosed = errors.New("promptmeta: store is closed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("promptmeta: invalid configuration")

	// ErrHistoryDisabled is returned by history operations when the engine
	// was created without a database.
	ErrHistoryDisabled = errors.New("promptmeta: history is disabled")
)
