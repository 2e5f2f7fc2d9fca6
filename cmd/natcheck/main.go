// Command natcheck exercises a NAT driver configuration without a real
// virtual machine attached. It parses the YAML config, brings the driver
// up against a frame-discarding guest device, and reports the engine's
// view of the network. It can also summarize a previously recorded trace
// file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/tinyrange/natdrv/internal/natdrv"
	"github.com/tinyrange/natdrv/internal/pcap"
	"github.com/tinyrange/natdrv/internal/slirp"
	"github.com/tinyrange/natdrv/internal/slirp/gvnat"
	"github.com/tinyrange/natdrv/internal/trace"
)

// discardGuest accepts every inbound frame and only counts it.
type discardGuest struct {
	frames atomic.Uint64
	bytes  atomic.Uint64
}

func (g *discardGuest) WaitReceiveAvail(timeout time.Duration) error { return nil }

func (g *discardGuest) Receive(frame []byte) error {
	g.frames.Add(1)
	g.bytes.Add(uint64(len(frame)))
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML network configuration to load")
	runFor := fs.Duration("run", 2*time.Second, "How long to keep the driver up")
	pcapPath := fs.String("pcap", "", "Write a packet capture to this file")
	tracePath := fs.String("trace", "", "Write a driver trace to this file")
	dumpTrace := fs.String("dump-trace", "", "Summarize a trace file and exit")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *dumpTrace != "" {
		if err := summarizeTrace(*dumpTrace); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *configPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	if err := run(*configPath, *runFor, *pcapPath, *tracePath); err != nil {
		fmt.Fprintf(os.Stderr, "natcheck: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, runFor time.Duration, pcapPath, tracePath string) error {
	f, err := os.Open(configPath)
	if err != nil {
		return err
	}
	cfg, err := natdrv.ParseConfig(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	var opts []natdrv.Option
	if pcapPath != "" {
		out, err := os.Create(pcapPath)
		if err != nil {
			return err
		}
		defer out.Close()
		w, err := pcap.NewWriter(out, pcap.DefaultSnapLen, pcap.LinkTypeEthernet)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		opts = append(opts, natdrv.WithCapture(w))
	}
	if tracePath != "" {
		tl, err := trace.Create(tracePath)
		if err != nil {
			return err
		}
		defer tl.Close()
		opts = append(opts, natdrv.WithTrace(tl))
	}

	guest := &discardGuest{}
	factory := func(ec *slirp.Config, cb slirp.Callbacks) (slirp.Engine, error) {
		return gvnat.New(ec, cb)
	}

	drv, err := natdrv.New(cfg, guest, factory, opts...)
	if err != nil {
		return err
	}
	drv.Start()

	if err := drv.NotifyLinkChanged(natdrv.LinkUp); err != nil {
		drv.Close()
		return fmt.Errorf("link up: %w", err)
	}

	time.Sleep(runFor)

	drv.WriteInfo(os.Stdout)
	fmt.Printf("guest received %d frames (%d bytes)\n", guest.frames.Load(), guest.bytes.Load())

	return drv.Close()
}

func summarizeTrace(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := trace.Summarize(f)
	if err != nil {
		return err
	}
	if len(s.Sources) == 0 {
		fmt.Println("trace is empty")
		return nil
	}
	fmt.Printf("trace spans %s\n", s.Latest.Sub(s.Earliest).Round(time.Millisecond))
	for _, src := range s.Sources {
		fmt.Printf("% 12s count=% 8d bytes=% 12d\n", src, s.Counts[src], s.Bytes[src])
	}
	return nil
}
