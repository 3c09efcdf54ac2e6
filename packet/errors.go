package packet

import "errors"

// Error kinds from spec.md 7, scoped to the codec.
var (
	ErrTruncated          = errors.New("packet: truncated")
	ErrUnsupportedVersion = errors.New("packet: unsupported version")
	ErrUnknownType        = errors.New("packet: unknown type")
	ErrPayloadTooLarge    = errors.New("packet: payload too large")
)
