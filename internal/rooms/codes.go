/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rooms

// Code is a machine-readable failure surfaced on the signaling channel.
type Code string

const (
	CodeAuthRequired        Code = "AUTH_REQUIRED"
	CodeRoomNotFound        Code = "ROOM_NOT_FOUND"
	CodeRoomFull            Code = "ROOM_FULL"
	CodeBroadcasterOccupied Code = "BROADCASTER_OCCUPIED"
	CodeInvalidRole         Code = "INVALID_ROLE"
	CodeInvalidSlug         Code = "INVALID_SLUG"
	CodeSlugInUse           Code = "SLUG_IN_USE"
	CodeMissingParams       Code = "MISSING_PARAMS"
)

// Error carries a Code through the error interface.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func codeErr(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the Code from an error, or empty.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
