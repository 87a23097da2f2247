package services

import "time"

const (
	DefaultProximityRange     = 10.0
	DefaultCallRequestTimeout = 30 * time.Second
	DefaultHeartbeatInterval  = 100 * time.Millisecond
	DefaultRecheckInterval    = 200 * time.Millisecond
	DefaultSignificantMove    = 1.0
	DefaultAutoConnectRange   = 2.0
)
