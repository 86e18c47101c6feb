package cmd

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowsentry/flowsentry/internal/clock"
	"github.com/flowsentry/flowsentry/internal/ingress"
	"github.com/flowsentry/flowsentry/internal/lifecycle"
	"github.com/flowsentry/flowsentry/internal/pacer"
	"github.com/flowsentry/flowsentry/internal/phases"
	"github.com/flowsentry/flowsentry/internal/printer"
	"github.com/flowsentry/flowsentry/internal/replay"
	"github.com/flowsentry/flowsentry/internal/util"
)

var (
	replayPcapPath   string
	replayInterface  string
	replayWorkers    int
	replayPcapTimed  bool
	replayAdaptive   bool
	replayJitterPct  float64
	replaySpeedup    float64
	replayRateGbps   float64
	replayPhasesFile string
	replayLoop       bool
	replayDurationSec int
	replayMaxRecords int
	replayBurstSize  int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a PCAP under free-run, timestamp-faithful, or phase-weighted pacing (C5-C6).",
	Long: "replay loads a capture once, then transmits it indefinitely through one TX " +
		"worker per queue, staggered by 100ms per worker index, under one of " +
		"three pacing modes.",
	RunE: runReplay,
}

func init() {
	flags := replayCmd.Flags()
	flags.StringVar(&replayPcapPath, "pcap", "", "Path to the capture file to replay (required).")
	flags.StringVar(&replayInterface, "interface", "", "TX interface name (required unless running against a mock port in a test harness).")
	flags.IntVar(&replayWorkers, "workers", 1, "Number of TX workers, staggered by 100ms each.")
	flags.BoolVar(&replayPcapTimed, "pcap-timed", false, "Timestamp-faithful mode: replay inter-packet gaps from the capture, scaled by --speedup and jittered by --jitter.")
	flags.BoolVar(&replayAdaptive, "adaptive", false, "Phase-weighted mode: draw records by protocol tag according to --phases.")
	flags.Float64Var(&replayJitterPct, "jitter", 10, "Jitter percentage applied to pcap-timed sleeps.")
	flags.Float64Var(&replaySpeedup, "speedup", 1, "Speedup factor for pcap-timed mode (>1 replays faster than capture).")
	flags.Float64Var(&replayRateGbps, "rate-gbps", 12, "Free-run mode target rate in Gbps.")
	flags.StringVar(&replayPhasesFile, "phases", "", "JSON phase schedule for adaptive mode; falls back to built-in defaults when absent or invalid.")
	flags.BoolVar(&replayLoop, "loop", false, "Loop the phase schedule instead of holding the last phase once it's exhausted.")
	flags.IntVar(&replayDurationSec, "duration", 0, "Stop after this many seconds; 0 runs until interrupted.")
	flags.IntVar(&replayMaxRecords, "max-records", 1_000_000, "Cap on records loaded from the capture file.")
	flags.IntVar(&replayBurstSize, "burst", replay.DefaultBurst, "TX burst size for free-run and adaptive modes (pcap-timed always sends one packet per sleep interval).")

	viper.BindPFlags(flags)
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayPcapPath == "" {
		return errors.New("--pcap is required")
	}
	if replayInterface == "" {
		return errors.New("--interface is required")
	}
	if replayPcapTimed && replayAdaptive {
		return errors.New("--pcap-timed and --adaptive are mutually exclusive")
	}

	capture, err := replay.BulkLoad(replayPcapPath, replayMaxRecords)
	if err != nil {
		return util.ExitError{ExitCode: 2, Err: err}
	}
	printer.Infof("replay: loaded %d records from %s\n", len(capture.Records), replayPcapPath)

	mode := replay.ModeFreeRun
	switch {
	case replayPcapTimed:
		mode = replay.ModePcapTimed
	case replayAdaptive:
		mode = replay.ModeAdaptive
	}

	var schedule *replay.Schedule
	if mode == replay.ModeAdaptive {
		if replayPhasesFile != "" {
			schedule, err = phases.Load(replayPhasesFile, replayLoop)
			if err != nil {
				return err
			}
		} else {
			schedule = replay.NewSchedule(replay.DefaultPhases(), replayLoop)
		}
	}

	pool := ingress.NewBufferPool(1<<14, 256, 2048)
	port, err := ingress.OpenLivePort(replayInterface, "", pool)
	if err != nil {
		return util.ExitError{ExitCode: 2, Err: errors.Wrap(err, "failed to initialise TX port")}
	}
	defer port.Close()

	quit := lifecycle.New()
	stopSignal := quit.NotifyOnSignal()
	defer stopSignal()

	targetBps := replayRateGbps * 1e9

	var wg sync.WaitGroup
	var txFatal atomic.Bool
	for i := 0; i < replayWorkers; i++ {
		i := i
		p := pacer.New(targetBps, clock.Real{})
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		r := replay.New(capture, port, pool, p, mode, i, i, rng)
		r.JitterFrac = replayJitterPct / 100
		r.SpeedupX = replaySpeedup
		r.Schedule = schedule

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runReplayWorker(r, quit); err != nil {
				printer.Errorf("replay: tx worker %d: %v\n", i, err)
				txFatal.Store(true)
				quit.Request()
			}
		}()
	}

	printer.Infof("replay: %d worker(s) transmitting on %s, mode=%v\n", replayWorkers, replayInterface, mode)

	const scheduleTick = 200 * time.Millisecond
	start := time.Now()
	for !quit.Load() {
		if replayDurationSec > 0 && time.Since(start) >= time.Duration(replayDurationSec)*time.Second {
			quit.Request()
			break
		}
		if schedule != nil {
			schedule.Advance(scheduleTick.Seconds())
		}
		time.Sleep(scheduleTick)
	}

	wg.Wait()
	if txFatal.Load() {
		return util.ExitError{ExitCode: 3, Err: replay.ErrTXPathDead}
	}
	printer.Infof("replay: shutting down\n")
	return nil
}

// runReplayWorker drives one Replayer's send/sleep loop until quit is
// set: the worker_index*100ms start stagger, a warm-up packet, then
// bursts paced by SleepFor. An exhausted buffer pool is retried after
// a 100µs back-off. It returns nil on a clean quit-requested exit or
// after logging any other non-fatal send error; a non-nil error (in practice replay.ErrTXPathDead, the
// TX-partial escalation) signals the caller that the TX path is
// non-recoverable and the whole process should shut down, not just
// this one worker.
//
// Timestamp-faithful mode sends one packet per iteration so the sleep
// between iterations reflects the true inter-packet gap; the other
// two modes send full bursts.
func runReplayWorker(r *replay.Replayer, quit *lifecycle.Quit) error {
	time.Sleep(r.StartDelay())
	r.SendWarmup()

	burst := replayBurstSize
	if r.Mode == replay.ModePcapTimed {
		burst = 1
	}

	for !quit.Load() {
		if _, err := r.SendBurst(burst); err != nil {
			if err == replay.ErrTXPathDead {
				return err
			}
			if err == ingress.ErrPoolExhausted {
				time.Sleep(100 * time.Microsecond)
				continue
			}
			printer.Warningf("replay: send failed: %v\n", err)
			return nil
		}
		sleep := r.SleepFor()
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
	return nil
}
