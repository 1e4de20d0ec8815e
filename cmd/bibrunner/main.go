// bibrunner discovers FTDI test benches, binds them to BIB configurations,
// and drives each configured UUT through its Start -> Test -> Stop
// workflow.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/periph-extra/bibrunner/internal/backup"
	"github.com/periph-extra/bibrunner/internal/board"
	"github.com/periph-extra/bibrunner/internal/config"
	"github.com/periph-extra/bibrunner/internal/discovery"
	"github.com/periph-extra/bibrunner/internal/eeprom"
	"github.com/periph-extra/bibrunner/internal/logging"
	"github.com/periph-extra/bibrunner/internal/orchestrator"
	"github.com/periph-extra/bibrunner/internal/pool"
	"github.com/periph-extra/bibrunner/internal/trigger"
	"github.com/periph-extra/bibrunner/internal/watcher"
)

var opts struct {
	configDir       string
	discoverBibs    bool
	bibIDs          []string
	mode            string
	interval        time.Duration
	detailedLogs    bool
	logDir          string
	backupDir       string
	maxBackups      int
	quiet           bool
	bibTranslations string
}

func main() {
	root := &cobra.Command{
		Use:           "bibrunner",
		Short:         "Run UUT test workflows against configured BIBs",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	flags := root.Flags()
	flags.StringVar(&opts.configDir, "config-dir", "config", "directory containing bib_<id>.xml files")
	flags.BoolVar(&opts.discoverBibs, "discover-bibs", false, "resolve BIB ids from attached hardware EEPROM instead of --bib-ids")
	flags.StringSliceVar(&opts.bibIDs, "bib-ids", nil, "explicit list of BIB ids to run")
	flags.StringVar(&opts.mode, "mode", "single", "execution mode: single, continuous, scheduled, ondemand")
	flags.DurationVar(&opts.interval, "interval", 5*time.Second, "interval between test iterations in scheduled mode")
	flags.BoolVar(&opts.detailedLogs, "detailed-logs", false, "emit per-command debug-level log records")
	flags.StringVar(&opts.logDir, "log-dir", "logs", "directory logs are written under")
	flags.StringVar(&opts.backupDir, "backup-dir", "backups", "directory BIB configuration backups are written under")
	flags.IntVar(&opts.maxBackups, "max-backups", backup.DefaultMaxBackups, "backups retained per BIB id")
	flags.BoolVar(&opts.quiet, "quiet", false, "disable the live console status board")
	flags.StringVar(&opts.bibTranslations, "bib-translations", "", "optional file mapping raw EEPROM product descriptions to bib ids, one \"description=id\" pair per line")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bibrunner:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logs, err := logging.New(logging.Config{Root: opts.logDir, Detailed: opts.detailedLogs})
	if err != nil {
		return err
	}
	defer logs.Close()

	log, err := logs.For("service", "", 0, "")
	if err != nil {
		return err
	}

	mode := orchestrator.Mode(opts.mode)
	switch mode {
	case orchestrator.ModeSingle, orchestrator.ModeContinuous, orchestrator.ModeScheduled, orchestrator.ModeOnDemand:
	default:
		return fmt.Errorf("unknown --mode %q", opts.mode)
	}

	loader := config.NewLoaderWithBackups(opts.configDir, backup.New(opts.backupDir, opts.maxBackups))
	bibs, loadErrs := loader.LoadAllBibs()
	for id, err := range loadErrs {
		fmt.Fprintf(os.Stderr, "bibrunner: skipping %s: %v\n", id, err)
	}

	disc := discovery.New()
	if _, err := disc.Discover(); err != nil {
		fmt.Fprintf(os.Stderr, "bibrunner: port discovery failed: %v\n", err)
	}

	if opts.discoverBibs {
		translations, err2 := loadBibTranslations(opts.bibTranslations)
		if err2 != nil {
			return err2
		}
		bibs, err = resolveBibsFromHardware(disc, loader, translations)
		if err != nil {
			return err
		}
	} else if len(opts.bibIDs) > 0 {
		bibs = filterBibs(bibs, opts.bibIDs)
	}

	p := pool.New(time.Second)
	defer p.Close()
	orch := orchestrator.New(p, logs)
	if !opts.quiet {
		orch.Board = board.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stopOnSignal(cancel)

	sup := orchestrator.NewSupervisor(orch, func(bib *config.BibConfiguration, uut config.UutConfiguration) []orchestrator.PortAssignment {
		return assignPorts(disc, bib, uut)
	}, providerFor, mode, opts.interval, log)

	for _, bib := range bibs {
		sup.Launch(ctx, bib)
	}

	w := watcher.New(watcher.Config{Dir: opts.configDir}, log)
	go w.Start(ctx)
	go reloadOnChange(ctx, w, loader, sup, log)

	<-ctx.Done()
	sup.Wait()
	return nil
}

// providerFor builds the trigger provider a BIB's task set runs against: a
// real GPIO-backed provider when the BIB declares one, otherwise a
// simulated provider driven by its hardware_simulation element (or a
// minimally-configured default if the BIB declares neither).
func providerFor(bib *config.BibConfiguration) (trigger.Provider, error) {
	if bib.Gpio != nil {
		return trigger.NewRealProvider(bib.Gpio)
	}
	if bib.HardwareSimulation != nil && bib.HardwareSimulation.Enabled {
		return trigger.NewSimulatedProvider(*bib.HardwareSimulation), nil
	}
	return trigger.NewSimulatedProvider(config.HardwareSimulationConfig{SpeedMultiplier: 1}), nil
}

func stopOnSignal(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

// reloadOnChange drives the Supervisor from watcher events: a discovered or
// changed BIB file terminates that BIB's running task set (if any) and
// starts a new one from the reloaded configuration; a removed file
// terminates it outright.
func reloadOnChange(ctx context.Context, w *watcher.Watcher, loader *config.Loader, sup *orchestrator.Supervisor, log *logrus.Entry) {
	for ev := range w.Events() {
		switch ev.Kind {
		case watcher.BibDiscovered, watcher.BibChanged:
			bib, diags, err := loader.LoadBib(ev.ID)
			if err != nil {
				log.WithError(err).WithField("bib", ev.ID).Warn("hot reload failed, leaving any running task set untouched")
				continue
			}
			for _, d := range diags {
				log.WithField("bib", ev.ID).Warn(d.String())
			}
			if err := sup.Replace(ctx, bib); err != nil {
				log.WithError(err).WithField("bib", ev.ID).Warn("failed to restart task set for reloaded configuration")
				continue
			}
			log.WithField("bib", ev.ID).Info("configuration reloaded, task set restarted")
		case watcher.BibRemoved:
			sup.Terminate(ev.ID)
			log.WithField("bib", ev.ID).Info("configuration removed, task set terminated")
		case watcher.BibError:
			log.WithError(ev.Err).Warn("watcher error")
		}
	}
}

// loadBibTranslations parses an optional "description=id" per line file into
// the translation table eeprom.ResolveBibID falls back to when no bib_<id>.xml
// file's id matches an EEPROM's product description directly. An empty path
// returns a nil table, which ResolveBibID treats as "no translations".
func loadBibTranslations(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading --bib-translations %s: %w", path, err)
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

func resolveBibsFromHardware(disc *discovery.Discoverer, loader *config.Loader, translations map[string]string) ([]*config.BibConfiguration, error) {
	reader := eeprom.New()
	groups := disc.Groups()
	reader.ReadAllConnected(groups)

	files, _ := loader.ListBibFiles()
	knownIDs := make([]string, 0, len(files))
	for _, name := range files {
		if id, err := config.IDFromFilename(name); err == nil {
			knownIDs = append(knownIDs, id)
		}
	}

	var out []*config.BibConfiguration
	for _, g := range groups {
		id, err := eeprom.ResolveBibID(g.Eeprom, knownIDs, translations)
		if err != nil {
			continue
		}
		bib, _, err := loader.LoadBib(id)
		if err != nil {
			continue
		}
		out = append(out, bib)
	}
	return out, nil
}

func filterBibs(bibs []*config.BibConfiguration, ids []string) []*config.BibConfiguration {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*config.BibConfiguration
	for _, b := range bibs {
		if want[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

// assignPorts resolves each configured port to the OS device name serving
// it, by matching the UUT's BIB id against discovered device groups. A BIB
// with no matching hardware still gets assignments with empty device
// names; OpenSession will fail fast with ProtocolOpenError in that case.
func assignPorts(disc *discovery.Discoverer, bib *config.BibConfiguration, uut config.UutConfiguration) []orchestrator.PortAssignment {
	groups := disc.Groups()
	var members []discovery.SerialPortDescriptor
	for _, g := range groups {
		if g.ID == bib.ID || g.Serial == bib.ID {
			members = g.Members
			break
		}
	}
	out := make([]orchestrator.PortAssignment, len(uut.Ports))
	for i, port := range uut.Ports {
		name := ""
		if port.Number-1 >= 0 && port.Number-1 < len(members) {
			name = members[port.Number-1].Name
		}
		out[i] = orchestrator.PortAssignment{Port: port, DeviceName: name}
	}
	return out
}
