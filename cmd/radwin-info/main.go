package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/radgpu/radwin"
	"github.com/radgpu/radwin/config"
	"github.com/radgpu/radwin/drm"
	"github.com/radgpu/radwin/util"
	"github.com/sirupsen/logrus"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	selfTest := flag.Bool("selftest", false, "Submit a NOP command stream and wait for it to complete")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		if err := c.Load(*configPath); err != nil {
			fmt.Printf("failed to load config: %s", err)
			os.Exit(1)
		}
	}

	if err := radwin.ConfigLogger(l, c); err != nil {
		util.LogWithContextIfNeeded("Failed to configure the logger", err, l)
		os.Exit(1)
	}

	if err := radwin.StartStats(l, c, Build, false); err != nil {
		util.LogWithContextIfNeeded("Failed to start stats emission", err, l)
		os.Exit(1)
	}

	dev, err := radwin.NewDevice(l, c)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to open the device", err, l)
		os.Exit(1)
	}
	defer dev.Close()

	info := dev.Info()
	fmt.Printf("device id:       %#04x (rev %#02x)\n", info.DeviceID, info.ChipRev)
	fmt.Printf("family:          %s\n", drm.FamilyName(info.Family))
	fmt.Printf("shader engines:  %d\n", info.NumShaderEngines)
	fmt.Printf("active CUs:      %d\n", info.CuActiveNumber)
	fmt.Printf("engine clock:    %d kHz\n", info.MaxEngineClock)
	fmt.Printf("memory clock:    %d kHz\n", info.MaxMemoryClock)

	if !*selfTest {
		return
	}

	if err := runSelfTest(l, dev); err != nil {
		util.LogWithContextIfNeeded("Self test failed", err, l)
		os.Exit(1)
	}
	fmt.Println("self test:       ok")
}

// runSelfTest submits a stream of nops on the gfx ring and waits for the
// fence to come back.
func runSelfTest(l *logrus.Logger, dev *radwin.Device) error {
	ctx, err := dev.NewContext()
	if err != nil {
		return err
	}
	defer ctx.Destroy()

	cs, err := dev.NewCs(drm.HwIPGfx, 0, 0)
	if err != nil {
		return err
	}
	defer cs.Destroy()

	for i := 0; i < 8; i++ {
		cs.Emit(drm.PadNop)
	}
	if err := cs.Finalize(); err != nil {
		return err
	}

	var fence radwin.Fence
	if err := ctx.Submit(&radwin.SubmitRequest{Streams: []*radwin.Cs{cs}, Fence: &fence}); err != nil {
		return err
	}

	l.WithField("seq", fence.SeqNo).Debug("Submitted self test stream")
	if !dev.FenceWait(&fence, uint64(5e9), false) {
		return fmt.Errorf("self test fence did not signal within 5s")
	}
	return nil
}
