package notify

import "context"

// Broadcaster pushes an event to connected dashboard clients. Implemented
// by the realtime hub.
type Broadcaster interface {
	Broadcast(kind string, payload any)
}

// DashboardChannel forwards events to the live operator dashboard.
type DashboardChannel struct {
	b Broadcaster
}

func NewDashboardChannel(b Broadcaster) *DashboardChannel {
	return &DashboardChannel{b: b}
}

func (d *DashboardChannel) Name() string { return "dashboard" }

func (d *DashboardChannel) Send(_ context.Context, e Event) error {
	d.b.Broadcast(e.Kind, e)
	return nil
}
