package messaging

import "errors"

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrWindowExpired    = errors.New("modification window expired")
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Code maps an engine error to the stable code carried by error events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrWindowExpired):
		return "window_expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	}
	return "internal"
}
