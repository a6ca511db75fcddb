package core

import "errors"

// Policy and resource errors shared between the registry, the admission
// controller, the chat relay and the transport adapters. Policy violations
// leave the connection open; ErrSlowConsumer and ErrPeerIDTaken close it.
var (
	ErrNotAuthenticated       = errors.New("not authenticated")
	ErrNotHost                = errors.New("not host")
	ErrNoSuchRequest          = errors.New("no such admission request")
	ErrNoSuchMeeting          = errors.New("no such meeting")
	ErrNotAMember             = errors.New("not a member")
	ErrSlowConsumer           = errors.New("slow consumer")
	ErrAlreadyActiveElsewhere = errors.New("identity already active in another meeting")
	ErrPeerIDTaken            = errors.New("peer id already taken in meeting")
	ErrMediaUnavailable       = errors.New("local media unavailable")
)
