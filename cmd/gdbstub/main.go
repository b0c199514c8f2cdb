// Command gdbstub is a GDB Remote Serial Protocol bridge for the RISC-V
// External Debug Module (spec.md §1): it speaks RSP on one side and DMI
// on the other. The teacher's main.go owned a firmware image, a loglevel,
// and a fixed gdb-server address; this CLI owns the same shape of
// concerns scaled up to the DM/DMI domain (§6 Non-goals: only the
// in-memory simulator transport is wired, never real JTAG hardware).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/aykevl/riscv-gdbstub/internal/dm"
	"github.com/aykevl/riscv-gdbstub/internal/dmi"
	"github.com/aykevl/riscv-gdbstub/internal/logging"
	"github.com/aykevl/riscv-gdbstub/internal/rsp"
	"github.com/aykevl/riscv-gdbstub/internal/session"
)

var (
	flagPort     int
	flagDMI      string
	flagXLEN     int
	flagLoglevel string
	flagELF      string
)

func main() {
	flag.IntVar(&flagPort, "port", 7333, "TCP port to listen on (0 picks an ephemeral port)")
	flag.StringVar(&flagDMI, "dmi", "sim", "DMI transport: only \"sim\" is supported")
	flag.IntVar(&flagXLEN, "xlen", 64, "initial XLEN: 32 or 64")
	flag.StringVar(&flagLoglevel, "loglevel", "error", "none, error, warning, calls, instrs")
	flag.StringVar(&flagELF, "elf", "", "ELF image to load into target memory before GDB attaches")
	flag.Parse()

	if flagDMI != "sim" {
		fmt.Fprintf(os.Stderr, "error: --dmi must be \"sim\" (no real DMI transport is wired)\n")
		os.Exit(1)
	}
	if flagXLEN != 32 && flagXLEN != 64 {
		fmt.Fprintf(os.Stderr, "error: --xlen must be 32 or 64\n")
		os.Exit(1)
	}

	log := logging.New(os.Stderr, logging.ParseLevel(flagLoglevel))

	sim := dmi.NewSimulator()
	backend := dm.NewBackend(sim)
	if err := backend.Init(nil); err != nil {
		log.WithError(err).Fatal("backend init failed")
	}
	defer backend.Final()

	if err := backend.SetXLEN(flagXLEN); err != nil {
		log.WithError(err).Fatal("invalid xlen")
	}

	if flagELF != "" {
		if err := backend.ElfLoad(flagELF); err != nil {
			log.WithError(err).Fatal("could not load ELF image")
		}
	}

	srv := session.NewServer(log, func(conn net.Conn, stopCh <-chan struct{}) error {
		// Each session gets its own Backend over the shared simulator,
		// starting from the XLEN set above.
		sessBackend := dm.NewBackend(sim)
		if err := sessBackend.Init(nil); err != nil {
			return err
		}
		if err := sessBackend.SetXLEN(backend.XLEN()); err != nil {
			return err
		}
		rspConn := rsp.NewConn(conn, log)
		disp := rsp.NewDispatcher(rspConn, sessBackend, log)
		return disp.Serve(stopCh)
	})

	port, err := srv.StartTCP(flagPort)
	if err != nil {
		log.WithError(err).Fatal("could not start session listener")
	}
	log.WithField("port", port).Info("listening for GDB connections")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("error stopping session listener")
	}
	if err := srv.Join(); err != nil {
		log.WithError(err).Warn("session listener exited with error")
	}
}
