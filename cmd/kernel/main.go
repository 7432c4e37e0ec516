// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

// Command kernel boots the microkernel core: it parses a boot config
// blob, brings up the per-CPU control regions, wires the scheme
// registry and its two reference schemes, and constructs the scheduler.
// The scheduler is not driven: no contexts are spawned or switched.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/gmofishsauce/wut4/kernel/internal/bootcfg"
	"github.com/gmofishsauce/wut4/kernel/internal/irqbus"
	"github.com/gmofishsauce/wut4/kernel/internal/irqscheme"
	"github.com/gmofishsauce/wut4/kernel/internal/kcontext"
	"github.com/gmofishsauce/wut4/kernel/internal/kdebug"
	"github.com/gmofishsauce/wut4/kernel/internal/kevent"
	"github.com/gmofishsauce/wut4/kernel/internal/pcr"
	"github.com/gmofishsauce/wut4/kernel/internal/pipescheme"
	"github.com/gmofishsauce/wut4/kernel/internal/sched"
	"github.com/gmofishsauce/wut4/kernel/internal/scheme"
)

var (
	bootFile   = flag.String("boot", "", "Path to a boot config blob (see internal/bootcfg)")
	traceFile  = flag.String("trace", "", "Write kernel event trace to file")
	numCPUs    = flag.Uint("cpus", 1, "Number of simulated CPUs")
	monitor    = flag.Bool("monitor", false, "Run an interactive ptrace debug monitor on stdin")
	showVer    = flag.Bool("version", false, "Show version and exit")
)

const version = "1.0.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -boot <blob> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

var savedTermState *term.State

// setupTerminal puts stdin in raw mode for the interactive debug
// monitor, the same raw-mode dance a UART console would need.
func setupTerminal() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	state, err := term.GetState(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to get terminal state: %v", err)
	}
	savedTermState = state
	if _, err := term.MakeRaw(int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("failed to set raw mode: %v", err)
	}
	return nil
}

func restoreTerminal() {
	if savedTermState != nil && term.IsTerminal(int(os.Stdin.Fd())) {
		term.Restore(int(os.Stdin.Fd()), savedTermState)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVer {
		fmt.Printf("wut4 microkernel v%s\n", version)
		os.Exit(0)
	}

	if *bootFile == "" {
		usage()
		os.Exit(1)
	}

	var tracerOut *os.File = os.Stderr
	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating trace file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		tracerOut = f
	}
	tracer := kdebug.New(tracerOut)

	blob, err := os.Open(*bootFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening boot blob: %v\n", err)
		os.Exit(1)
	}
	defer blob.Close()

	bootInfo, err := bootcfg.Decode(blob)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding boot blob: %v\n", err)
		os.Exit(1)
	}
	if err := bootInfo.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid boot config: %v\n", err)
		os.Exit(1)
	}

	pcrs := make([]*pcr.ProcessorControlRegion, *numCPUs)
	for i := range pcrs {
		pcrs[i] = pcr.New()
		pcrs[i].PatchTSSDescriptor()
	}

	bus := kevent.NewBus()
	registry := scheme.NewRegistry()

	pipeScheme := pipescheme.New(bus)
	pipeID := registry.Register("pipe", pipeScheme)
	pipeScheme.SetID(uint64(pipeID))

	counts := irqbus.New()
	irqScheme := irqscheme.New(counts, bus, irqscheme.Options{})
	irqID := registry.Register("irq", irqScheme)
	irqScheme.SetID(uint64(irqID))

	table := kcontext.NewTable()
	_ = sched.New(table)

	tracer.Warn("booted: kernel=%#x..%#x entry=%#x cpus=%d",
		bootInfo.KernelBase, bootInfo.KernelBase+bootInfo.KernelSize, bootInfo.EntryPoint, *numCPUs)

	if *monitor {
		runMonitor(tracer)
	}
}

// runMonitor puts stdin in raw mode and reads keystrokes until 'q' or
// end of input, the debug-monitor analogue of the teacher's UART
// console. It does not attach to or inspect any process.
func runMonitor(tracer *kdebug.Tracer) {
	if err := setupTerminal(); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up terminal: %v\n", err)
		os.Exit(1)
	}
	defer restoreTerminal()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		restoreTerminal()
		os.Exit(130)
	}()

	tracer.Warn("debug monitor attached; press q to detach")
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if buf[0] == 'q' {
			return
		}
	}
}
