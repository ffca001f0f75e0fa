package mapview

var (
	ErrSessionNotFound    = &SessionError{"session not found"}
	ErrNoDeviceSelected   = &SessionError{"no device selected"}
	ErrLocationNotFound   = &SessionError{"location is not in the filtered list"}
	ErrNavigationDisabled = &SessionError{"navigation step is disabled"}
	ErrNoMarkers          = &SessionError{"markers have not been computed yet"}
	ErrInvalidDates       = &SessionError{"invalid date selection"}
)

// SessionError represents a map session error
type SessionError struct {
	msg string
}

func (e *SessionError) Error() string {
	return e.msg
}
