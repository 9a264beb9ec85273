package domain

import "errors"

var (
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSettingNotFound      = errors.New("bitrate setting not found")
	ErrTraceNotFound        = errors.New("trace not found")
	ErrUpstreamDisconnected = errors.New("producer link disconnected")
)
