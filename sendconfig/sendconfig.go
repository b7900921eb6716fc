package main

/*
This application pushes a scan configuration to one or more scanner boards.
Boards apply the configuration to their next sweep.
*/

import (
	"context"
	"flag"
	"net"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/whitespace/configure"
	"github.com/hb9tf/whitespace/gw"
	"github.com/hb9tf/whitespace/sdr"
)

// Flags
var (
	boards     = flag.String("boards", "", "Comma separated list of board addresses (host or host:port).")
	port       = flag.Int("port", gw.DefaultPort, "UDP port of the boards unless given per board.")
	protocol   = flag.String("protocol", gw.WithHardwareID.String(), "Frame layout (one of: basic, hwid).")
	hardwareID = flag.String("hwid", "", "Hardware id (MAC) to put in the frame header.")
	timeout    = flag.Duration("timeout", 5*time.Second, "Time allowed for sending to all boards.")

	startFreq  = flag.Float64("startFreq", sdr.MinFreqMHz, "Start of the scanned range in MHz.")
	stopFreq   = flag.Float64("stopFreq", sdr.MaxFreqMHz, "End of the scanned range in MHz.")
	resolution = flag.Uint("resolution", 203, "Frequency resolution (bin width) in kHz.")
	modulation = flag.String("modulation", sdr.ModASK.String(), "Modulation format (one of: 2-FSK, GFSK, ASK, OOK, 4-FSK, MSK).")
	agc        = flag.Bool("agc", true, "Enable automatic gain control.")
	lnaGain    = flag.Uint("lnaGain", 0, "LNA gain step (0-3).")
	lna2Gain   = flag.Uint("lna2Gain", 7, "LNA2 gain step (0-7).")
	dvgaGain   = flag.Uint("dvgaGain", 7, "DVGA gain step (0-7).")
	rssiWait   = flag.Uint("rssiWait", 1000, "Settle time per frequency before reading RSSI in microseconds.")
)

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "true")
	flag.Set("v", "1")
	flag.Parse()
	defer glog.Flush()

	targets := splitList(*boards)
	if len(targets) == 0 {
		glog.Exit("no boards given, use -boards")
	}
	version, err := gw.ParseVersion(*protocol)
	if err != nil {
		glog.Exit(err)
	}
	var hw net.HardwareAddr
	if *hardwareID != "" {
		if hw, err = net.ParseMAC(*hardwareID); err != nil {
			glog.Exitf("invalid hardware id %q: %s", *hardwareID, err)
		}
	}
	mod, err := sdr.ParseModulation(*modulation)
	if err != nil {
		glog.Exit(err)
	}

	opts, err := buildOptions(optionFlags{
		startMHz:             *startFreq,
		stopMHz:              *stopFreq,
		resolutionKHz:        *resolution,
		modulation:           mod,
		agc:                  *agc,
		lnaGain:              *lnaGain,
		lna2Gain:             *lna2Gain,
		dvgaGain:             *dvgaGain,
		rssiWaitMicroseconds: *rssiWait,
	})
	if err != nil {
		glog.Exit(err)
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		glog.Exitf("unable to open UDP socket: %s", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	s := &configure.Sender{Conn: conn, Port: *port, Version: version, HardwareID: hw}
	if err := s.Send(ctx, targets, opts); err != nil {
		glog.Flush()
		glog.Exitf("configuration not delivered everywhere: %s", err)
	}
	glog.Infof("sent %s-%s MHz, %d kHz, %s to %d board(s)", formatFreq(opts.StartFreqMHz, opts.StartFreqKHz), formatFreq(opts.StopFreqMHz, opts.StopFreqKHz), opts.FreqResolutionKHz, opts.Modulation, len(targets))
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
