package mail

import "errors"

// Errors surfaced by ComposeMail and ReadMail.
var (
	ErrRecipientNotFound = errors.New("mail: recipient not found")
	ErrRecipientBanned   = errors.New("mail: recipient is banned")
	ErrSelfAddressed     = errors.New("mail: cannot send mail to yourself")
	ErrEncryptionFailure = errors.New("mail: encryption failure")
	ErrPayloadTooLong    = errors.New("mail: payload too long for remote delivery")
	ErrMessageNotFound   = errors.New("mail: message not found")
)
