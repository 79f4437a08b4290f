package ctaphid

import "errors"

var (
	ErrMessageTooLarge        = errors.New("ctaphid: message payload too large")
	ErrInvalidReportSize      = errors.New("ctaphid: report is not 64 bytes")
	ErrInvalidResponseMessage = errors.New("ctaphid: invalid response message")
)
