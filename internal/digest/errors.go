package digest

import "errors"

// ErrUnsupported indicates an unknown hash algorithm identifier.
var ErrUnsupported = errors.New("unsupported hash algorithm")
