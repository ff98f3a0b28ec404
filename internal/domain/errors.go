package domain

var (
	ErrNotFound          = errString("not found")
	ErrInvalidTransition = errString("invalid status transition")
	ErrInvalidURL        = errString("invalid scan url")
)

type errString string

func (e errString) Error() string { return string(e) }
