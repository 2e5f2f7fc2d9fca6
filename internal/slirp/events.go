package slirp

import "strings"

// PollEvents is the engine-side event set exchanged with the driver's poll
// multiplexer. The driver translates these to and from the host poller's
// native event bits.
type PollEvents uint32

const (
	PollIn PollEvents = 1 << iota
	PollOut
	PollPri
	PollErr
	PollHup
)

func (ev PollEvents) String() string {
	if ev == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  PollEvents
		name string
	}{
		{PollIn, "in"},
		{PollOut, "out"},
		{PollPri, "pri"},
		{PollErr, "err"},
		{PollHup, "hup"},
	} {
		if ev&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}
