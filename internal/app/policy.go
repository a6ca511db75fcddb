package app

import "github.com/confab-app/confab/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a recipient that cannot drain its outbound
// queue fast enough.
type Policy interface {
	OnBackpressure(meeting domain.MeetingID, peer domain.PeerID) BackpressureAction
}

// KickSlowPolicy closes slow consumers rather than allowing unbounded growth.
type KickSlowPolicy struct{}

func (KickSlowPolicy) OnBackpressure(domain.MeetingID, domain.PeerID) BackpressureAction {
	return KickMember
}
