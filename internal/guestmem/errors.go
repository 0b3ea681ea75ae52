package guestmem

import "errors"

// ErrUnsupported is returned by New on hosts without the mmap support the
// space is built on.
var ErrUnsupported = errors.New("guestmem: not supported on this platform")
