package natdrv

import (
	"log/slog"
	"sync/atomic"
)

// maxWakeupDrain bounds how many notification bytes a single poll cycle
// consumes from the wakeup channel.
const maxWakeupDrain = 1024

// wakeupChannel is the self-pipe that external goroutines use to break the
// poll goroutine out of its blocking poll call. The counter tracks bytes
// written but not yet drained so a drain never blocks on an empty channel.
type wakeupChannel struct {
	log     *slog.Logger
	pending atomic.Uint64

	wakeupPipe
}

func newWakeupChannel(logger *slog.Logger) (*wakeupChannel, error) {
	w := &wakeupChannel{log: logger}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// signal writes one notification byte. The pending counter only advances
// when the write actually succeeds, so a full pipe cannot inflate it.
func (w *wakeupChannel) signal() {
	n, err := w.write1()
	if err != nil || n != 1 {
		w.log.Debug("wakeup: notify write failed", "n", n, "err", err)
		return
	}
	w.pending.Add(1)
}

// drain consumes at most min(pending, maxWakeupDrain) bytes and subtracts
// what was actually read. Called from the poll goroutine when the wakeup
// slot reports readable.
func (w *wakeupChannel) drain() {
	want := w.pending.Load()
	if want == 0 {
		return
	}
	if want > maxWakeupDrain {
		want = maxWakeupDrain
	}
	n, err := w.read(int(want))
	if err != nil {
		w.log.Debug("wakeup: drain read failed", "err", err)
		return
	}
	if n > 0 {
		w.pending.Add(^uint64(n - 1))
	}
}

func (w *wakeupChannel) close() {
	w.closePipe()
}
