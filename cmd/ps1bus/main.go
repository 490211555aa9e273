// Command ps1bus builds a Machine from a config file and drives it from a
// scripted I/O trace: a small line-oriented format for manually exercising
// the device subsystem without a CPU core attached. It is a harness, not
// part of the emulator's own scope.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/retrohw/ps1devices/bus"
	"github.com/retrohw/ps1devices/machine"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Machine config YAML file. Empty uses defaults.")
	scriptPath := pflag.StringP("script", "s", "", "Trace script file. '-' or empty reads stdin.")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ps1bus - scripted I/O trace runner for the device subsystem.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: ps1bus [options]\n\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Trace script commands, one per line, '#' starts a comment:
  out  <port> <width> <value>   write value (hex or decimal) to a port
  in   <port> <width>           read a port and print the result
  advance <ns>                  advance the virtual clock by ns and fire due timers
  irq?                          print whether an interrupt is currently pending
  iack                          acknowledge the pending interrupt and print its vector
`)
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var cfg *machine.Config
	var err error
	if *configPath != "" {
		cfg, err = machine.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ps1bus: %v\n", err)
			os.Exit(1)
		}
	}

	m, err := machine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ps1bus: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	var r io.Reader = os.Stdin
	if *scriptPath != "" && *scriptPath != "-" {
		f, err := os.Open(*scriptPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ps1bus: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	if err := runScript(m, r, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ps1bus: %v\n", err)
		os.Exit(1)
	}
}

func runScript(m *machine.Machine, r io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := runLine(m, line, out); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

func runLine(m *machine.Machine, line string, out io.Writer) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "out":
		if len(fields) != 4 {
			return fmt.Errorf("out wants <port> <width> <value>")
		}
		port, err := parsePort(fields[1])
		if err != nil {
			return err
		}
		width, err := parseWidth(fields[2])
		if err != nil {
			return err
		}
		value, err := parseUint(fields[3])
		if err != nil {
			return err
		}
		m.Write(port, width, uint32(value))
	case "in":
		if len(fields) != 3 {
			return fmt.Errorf("in wants <port> <width>")
		}
		port, err := parsePort(fields[1])
		if err != nil {
			return err
		}
		width, err := parseWidth(fields[2])
		if err != nil {
			return err
		}
		v := m.Read(port, width)
		fmt.Fprintf(out, "in 0x%04X -> 0x%X\n", port, v)
	case "advance":
		if len(fields) != 2 {
			return fmt.Errorf("advance wants <ns>")
		}
		ns, err := parseUint(fields[1])
		if err != nil {
			return err
		}
		m.Advance(ns)
	case "irq?":
		fmt.Fprintf(out, "irq pending: %v\n", m.HasPendingInterrupt())
	case "iack":
		vector, ok := m.IACK()
		fmt.Fprintf(out, "iack: vector=0x%02X ok=%v\n", vector, ok)
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func parsePort(s string) (uint16, error) {
	v, err := parseUint(s)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// parseUint accepts "0x"-prefixed hex or plain decimal.
func parseUint(s string) (uint64, error) {
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err := strconv.ParseUint(rest, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("bad number %q", s)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

func parseWidth(s string) (bus.Width, error) {
	switch s {
	case "8":
		return bus.Width8, nil
	case "16":
		return bus.Width16, nil
	case "32":
		return bus.Width32, nil
	default:
		return 0, fmt.Errorf("bad width %q, want 8, 16 or 32", s)
	}
}
