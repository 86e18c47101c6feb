package cmd

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowsentry/flowsentry/internal/clock"
	"github.com/flowsentry/flowsentry/internal/detector"
	"github.com/flowsentry/flowsentry/internal/httpapi"
	"github.com/flowsentry/flowsentry/internal/ingress"
	"github.com/flowsentry/flowsentry/internal/ipnet"
	"github.com/flowsentry/flowsentry/internal/lifecycle"
	"github.com/flowsentry/flowsentry/internal/printer"
	"github.com/flowsentry/flowsentry/internal/store"
	"github.com/flowsentry/flowsentry/internal/telemetry"
	"github.com/flowsentry/flowsentry/internal/util"
	"github.com/flowsentry/flowsentry/internal/worker"
)

var (
	detectInterface  string
	detectBPFFilter  string
	detectWorkers    int
	detectHTTPVariant bool
	detectBaselineCIDRs []string
	detectAttackCIDRs   []string
	detectLogPath    string
	detectStorePath  string
	detectHTTPAddr   string
	detectDurationSec int
	detectPoolSize   int
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run the ingress pipeline and detection engine (C1-C4, C7).",
	Long: "detect owns one worker per RX queue, a detector goroutine that evaluates " +
		"the rule set every fast-pass tick, and the telemetry/alert surfaces " +
		"(log file, Prometheus, SQLite, HTTP).",
	RunE: runDetect,
}

func init() {
	flags := detectCmd.Flags()
	flags.StringVar(&detectInterface, "interface", "", "Capture interface name (required unless running against a mock port in a test harness).")
	flags.StringVar(&detectBPFFilter, "bpf-filter", "", "Optional BPF filter applied to the capture handle.")
	flags.IntVar(&detectWorkers, "workers", 4, "Number of RX-queue workers.")
	flags.BoolVar(&detectHTTPVariant, "http-variant", false, "Use the HTTP-flood variant's default classification networks (192.168.0.0/16 baseline, 203.0.113.0/24 attack) instead of the UDP/SYN variant's defaults.")
	flags.StringSliceVar(&detectBaselineCIDRs, "baseline-net", nil, "Baseline source network CIDR (repeatable); overrides the variant default.")
	flags.StringSliceVar(&detectAttackCIDRs, "attack-net", nil, "Attack source network CIDR (repeatable); overrides the variant default.")
	flags.StringVar(&detectLogPath, "log-file", "", "Path to append periodic telemetry snapshots to; empty disables the file sink.")
	flags.StringVar(&detectStorePath, "store", "flowsentry-alerts.db", "SQLite path for the durable alert/detection-event log; empty disables it.")
	flags.StringVar(&detectHTTPAddr, "http-addr", ":9400", "Listen address for /healthz, /metrics, /alerts; empty disables the HTTP surface.")
	flags.IntVar(&detectDurationSec, "duration", 0, "Stop after this many seconds; 0 runs until interrupted.")
	flags.IntVar(&detectPoolSize, "pool-size", 1<<16, "Packet-buffer pool size shared by all workers.")

	viper.BindPFlags(flags)
}

func buildClassifier() ipnet.Classifier {
	if len(detectBaselineCIDRs) > 0 || len(detectAttackCIDRs) > 0 {
		c := ipnet.Classifier{}
		for _, cidr := range detectBaselineCIDRs {
			c.Baseline = append(c.Baseline, ipnet.MustParseNet(cidr))
		}
		for _, cidr := range detectAttackCIDRs {
			c.Attack = append(c.Attack, ipnet.MustParseNet(cidr))
		}
		return c
	}
	if detectHTTPVariant {
		return ipnet.HTTPVariantClassifier()
	}
	return ipnet.DefaultClassifier()
}

func runDetect(cmd *cobra.Command, args []string) error {
	if detectInterface == "" {
		return errors.New("--interface is required")
	}

	classifier := buildClassifier()

	pool := ingress.NewBufferPool(detectPoolSize, 256, 2048)
	port, err := ingress.OpenLivePort(detectInterface, detectBPFFilter, pool)
	if err != nil {
		return util.ExitError{ExitCode: 2, Err: errors.Wrap(err, "failed to initialise capture port")}
	}
	defer port.Close()

	quit := lifecycle.New()
	stopSignal := quit.NotifyOnSignal()
	defer stopSignal()

	workers := make([]*worker.Worker, detectWorkers)
	for i := range workers {
		workers[i] = worker.New(i, port, i, classifier, 0, 0)
	}
	for _, w := range workers {
		go w.Run(pool, quit.Load)
	}

	det := detector.New(workers, detector.DefaultThresholds(), classifier, clock.Real{})

	var alertStore *store.Store
	if detectStorePath != "" {
		alertStore, err = store.Open(detectStorePath)
		if err != nil {
			return util.ExitError{ExitCode: 2, Err: err}
		}
		defer alertStore.Close()
	}

	var logSink *telemetry.LogSink
	if detectLogPath != "" {
		logSink, err = telemetry.NewLogSink(detectLogPath, telemetry.DefaultMaxLogBytes)
		if err != nil {
			return util.ExitError{ExitCode: 2, Err: err}
		}
		defer logSink.Close()
	}

	aggregator := telemetry.NewAggregator(workers, port, time.Now())
	collector := telemetry.NewCollector(aggregator, det.State)
	prometheus.MustRegister(collector)

	det.OnSnapshot(func(totals detector.WindowTotals, state *detector.State) {
		snap := aggregator.Collect(time.Now())
		telemetry.LogSnapshot(snap, state)
		if logSink != nil {
			if err := logSink.Write(snap, state); err != nil {
				printer.Warningf("detect: failed to write telemetry log: %v\n", err)
			}
		}
	})

	if alertStore != nil {
		det.OnAlert(func(a detector.Alert) {
			if err := alertStore.RecordAlert(a); err != nil {
				printer.Warningf("detect: failed to persist alert: %v\n", err)
			}
		})
	}

	var httpServer *http.Server
	if detectHTTPAddr != "" {
		mux := httpapi.NewRouter(det.State, alertStore)
		httpServer = &http.Server{Addr: detectHTTPAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				printer.Errorf("detect: http server exited: %v\n", err)
			}
		}()
		defer httpServer.Close()
	}

	printer.Infof("detect: running %d workers on %s, thresholds=default, classifier baseline=%d attack=%d nets\n",
		detectWorkers, detectInterface, len(classifier.Baseline), len(classifier.Attack))

	start := time.Now()
	ticker := time.NewTicker(detector.TickInterval)
	defer ticker.Stop()
	for !quit.Load() {
		if detectDurationSec > 0 && time.Since(start) >= time.Duration(detectDurationSec)*time.Second {
			break
		}
		<-ticker.C
		det.Tick()
	}

	printer.Infof("detect: shutting down\n")
	return nil
}
