package natdrv

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// WriteInfo prints the driver and engine state for a debugger or status
// command. The engine queries run through the request queue so they cannot
// race the poll goroutine.
func (d *Driver) WriteInfo(w io.Writer) {
	fmt.Fprintf(w, "link state: %s (want %s)\n", d.link(), d.linkWant())
	fmt.Fprintf(w, "inbound in flight: %d\n", d.recvPending.Load())

	c := &d.counters
	fmt.Fprintf(w, "sent: %s packets, %s\n",
		humanize.Comma(int64(c.SentPkts.Load())),
		humanize.Bytes(c.SentBytes.Load()))
	fmt.Fprintf(w, "received: %s packets, %s\n",
		humanize.Comma(int64(c.RecvPkts.Load())),
		humanize.Bytes(c.RecvBytes.Load()))
	fmt.Fprintf(w, "dropped: %s packets\n",
		humanize.Comma(int64(c.DroppedPkts.Load())))

	var conn, neigh, version string
	err := func() error {
		query := func() error {
			conn = d.engine.ConnectionInfo()
			neigh = d.engine.NeighborInfo()
			version = d.engine.Version()
			return nil
		}
		if !d.running() {
			return query()
		}
		return d.callEngine(query)
	}()
	if err != nil {
		fmt.Fprintf(w, "engine: unavailable (%v)\n", err)
		return
	}

	fmt.Fprintf(w, "engine version: %s\n", version)
	if conn != "" {
		fmt.Fprintf(w, "connections:\n%s", conn)
	}
	if neigh != "" {
		fmt.Fprintf(w, "neighbors:\n%s", neigh)
	}
}
