package email

import "errors"

var (
	ErrFailedToSendEmail = errors.New("failed to send billing email")
	ErrInvalidConfig     = errors.New("invalid email configuration")
	ErrInvalidParams     = errors.New("invalid email parameters")
)
