package notify

import "errors"

// ErrClosed is returned when subscribing to a closed notifier
var ErrClosed = errors.New("notifier closed")
