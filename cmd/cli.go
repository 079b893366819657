// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"spectral/internal/column"
	"spectral/internal/config"
	applog "spectral/internal/log"
	"spectral/internal/metrics"
	"spectral/internal/prefetch"
	"spectral/internal/source"
	"spectral/internal/spectrogram"
	"spectral/internal/storage"
	"spectral/internal/transform"
	"spectral/pkg/build"
	"spectral/pkg/utils"
)

// Defaults for the spectrogram flags.
const (
	DefaultWindow     = "hann"
	DefaultWindowSize = 1024
	DefaultHopSize    = 512
	DefaultFFTSize    = 1024
	DefaultEncoding   = "compact"
)

// progressInterval is how often fill reports progress.
const progressInterval = 250 * time.Millisecond

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	verbose     bool
	metricsAddr string
}

// spectrogramFlags select the spectrogram a command works on.
type spectrogramFlags struct {
	window     string
	windowSize int
	hop        int
	fftSize    int
	encoding   string
	channel    int
	fillFrom   int
}

func (f *spectrogramFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.window, "window", "w", DefaultWindow,
		"Window function (rectangular, bartlett, hamming, hann, blackman, gaussian, parzen, nuttall, blackman-harris)")
	fs.IntVar(&f.windowSize, "window-size", DefaultWindowSize, "Window length in frames")
	fs.IntVar(&f.hop, "hop", DefaultHopSize, "Frames between successive columns")
	fs.IntVar(&f.fftSize, "fft-size", DefaultFFTSize, "Transform size, at least the window size")
	fs.StringVarP(&f.encoding, "encoding", "e", DefaultEncoding, "Column encoding (compact, polar, rectangular)")
	fs.IntVarP(&f.channel, "channel", "c", source.MixDown, "Channel to analyse, -1 mixes all channels down")
	fs.IntVar(&f.fillFrom, "fill-from", 0, "Column the background fill starts at")
}

func (f *spectrogramFlags) params(src source.Source) (spectrogram.Params, error) {
	win, err := transform.ParseWindowType(f.window)
	if err != nil {
		return spectrogram.Params{}, err
	}
	enc, err := column.ParseEncoding(f.encoding)
	if err != nil {
		return spectrogram.Params{}, err
	}
	p := spectrogram.Params{
		Source:     src,
		Channel:    f.channel,
		Window:     win,
		WindowSize: f.windowSize,
		HopSize:    f.hop,
		FFTSize:    f.fftSize,
		Encoding:   enc,
		FillFrom:   f.fillFrom,
	}
	return p, p.Validate()
}

// app carries the state set up before any command runs.
type app struct {
	global  globalFlags
	cfg     *config.Config
	reg     *spectrogram.Registry
	metrics *http.Server
	out     io.Writer
}

// configureOnce guards the shared prefetch worker options, which are fixed
// once the worker starts.
var configureOnce sync.Once

// rootCommand builds the command tree.
func (a *app) rootCommand() *cobra.Command {
	buildInfo := build.GetBuildInfo()

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         build.Description,
		Version:       buildInfo.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	rootCmd.SetOut(a.out)

	rootCmd.PersistentFlags().StringVar(&a.global.configPath, "config", "",
		"Path to a YAML config file (default spectral.yaml or config.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&a.global.verbose, "verbose", "v", false,
		"Show verbose output")
	rootCmd.PersistentFlags().StringVar(&a.global.metricsAddr, "metrics-addr", "",
		"Serve prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(a.fillCommand(), a.queryCommand(), a.infoCommand(), a.synthCommand())
	return rootCmd
}

// Execute runs the CLI with args, writing results to out. Spectrograms and
// the metrics endpoint are torn down before it returns.
func Execute(args []string, out io.Writer) error {
	a := &app{out: out}
	rootCmd := a.rootCommand()
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return errors.Join(err, a.teardown())
}

func (a *app) setup() error {
	cfg, err := config.LoadConfig(a.global.configPath)
	if err != nil {
		return err
	}
	if a.global.verbose {
		cfg.Debug = true
	}
	if a.global.metricsAddr != "" {
		cfg.Metrics.Addr = a.global.metricsAddr
	}
	a.cfg = cfg

	level, ok := applog.ParseLevel(cfg.LogLevel)
	if !ok {
		applog.Warnf("unknown log level %q, using %s", cfg.LogLevel, level)
	}
	if cfg.Debug {
		level = applog.LevelDebug
	}
	applog.SetLevel(level)

	configureOnce.Do(func() {
		prefetch.Configure(prefetch.Options{
			BlockSize: cfg.Cache.PrefetchBlockBytes,
			IdleWait:  config.DefaultPrefetchIdle,
		})
	})
	a.metrics = metrics.Serve(cfg.Metrics.Addr, applog.Errorf)

	oracle, err := storage.NewOracle(cfg.Cache.Storage, cfg.Cache.Dir)
	if err != nil {
		return err
	}
	a.reg = spectrogram.NewRegistry(spectrogram.Options{
		CacheDir:           cfg.Cache.Dir,
		Oracle:             oracle,
		MaxResidentChunks:  cfg.Cache.MaxResidentChunks,
		ChunkBytes:         cfg.Cache.ChunkBytes,
		WindowBytes:        cfg.Cache.WindowBytes,
		MinPrefetchColumns: cfg.Cache.MinPrefetchColumns,
		Engine:             cfg.Fill.Engine,
		SuspendWait:        cfg.Fill.SuspendWait,
		LimboSize:          cfg.Cache.LimboSize,
		FuzzyMinCompletion: cfg.Cache.FuzzyMinCompletion,
	})
	applog.Debugf("cache dir %s, storage %s, engine %s", cfg.Cache.Dir, cfg.Cache.Storage, cfg.Fill.Engine)
	return nil
}

func (a *app) teardown() error {
	var errs []error
	if a.reg != nil {
		errs = append(errs, a.reg.Close())
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// acquire opens the WAV file at path and acquires the spectrogram the flags
// describe.
func (a *app) acquire(path string, f *spectrogramFlags) (*spectrogram.Handle, error) {
	src, err := source.OpenWAV(path)
	if err != nil {
		return nil, err
	}
	p, err := f.params(src)
	if err != nil {
		return nil, err
	}
	return a.reg.Acquire(p)
}

// release drops h, joining a failure to close its manager into *errp.
func (a *app) release(h *spectrogram.Handle, errp *error) {
	*errp = errors.Join(*errp, a.reg.Release(h))
}

func (a *app) fillCommand() *cobra.Command {
	var f spectrogramFlags
	cmd := &cobra.Command{
		Use:   "fill <wav>",
		Short: "Compute every column of a spectrogram, reporting progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			h, err := a.acquire(args[0], &f)
			if err != nil {
				return err
			}
			defer a.release(h, &err)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.fill(ctx, h)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (a *app) fill(ctx context.Context, h *spectrogram.Handle) error {
	start := time.Now()
	h.IsColumnReady(0)

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	last := -1
	for {
		if err := h.FillErr(); err != nil {
			return err
		}
		if c := h.Completion(); c != last {
			last = c
			fmt.Fprintf(a.out, "fill %3d%% (%d of %d columns)\n", c, h.FillExtent(), h.Width())
			if c == 100 {
				fmt.Fprintf(a.out, "done in %v\n", time.Since(start).Round(time.Millisecond))
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *app) queryCommand() *cobra.Command {
	var (
		f      spectrogramFlags
		x, bin int
	)
	cmd := &cobra.Command{
		Use:   "query <wav>",
		Short: "Print the values of one cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			h, err := a.acquire(args[0], &f)
			if err != nil {
				return err
			}
			defer a.release(h, &err)

			mag, err := h.MagnitudeAt(x, bin)
			if err != nil {
				return err
			}
			norm, err := h.NormalizedMagnitudeAt(x, bin)
			if err != nil {
				return err
			}
			phase, err := h.PhaseAt(x, bin)
			if err != nil {
				return err
			}
			re, im, err := h.ValuesAt(x, bin)
			if err != nil {
				return err
			}
			factor, err := h.MaximumMagnitudeAt(x)
			if err != nil {
				return err
			}

			rate := float64(h.Params().Source.SampleRate())
			fmt.Fprintf(a.out, "column     %d (%.3fs)\n", x, float64(x*h.Params().HopSize)/rate)
			fmt.Fprintf(a.out, "bin        %d (%.1f Hz)\n", bin, utils.BinFrequency(bin, h.Params().FFTSize, rate))
			fmt.Fprintf(a.out, "magnitude  %g\n", mag)
			fmt.Fprintf(a.out, "normalized %g\n", norm)
			fmt.Fprintf(a.out, "phase      %g\n", phase)
			fmt.Fprintf(a.out, "real       %g\n", re)
			fmt.Fprintf(a.out, "imaginary  %g\n", im)
			fmt.Fprintf(a.out, "factor     %g\n", factor)
			return nil
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().IntVarP(&x, "column", "x", 0, "Column (time step)")
	cmd.Flags().IntVarP(&bin, "bin", "y", 0, "Frequency bin")
	return cmd
}

func (a *app) infoCommand() *cobra.Command {
	var (
		f    spectrogramFlags
		peak bool
	)
	cmd := &cobra.Command{
		Use:   "info <wav>",
		Short: "Describe a signal and the spectrogram the flags select",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			h, err := a.acquire(args[0], &f)
			if err != nil {
				return err
			}
			defer a.release(h, &err)

			p := h.Params()
			src := p.Source
			frames := src.EndFrame() - src.StartFrame()
			colBytes := p.Encoding.ColumnBytes(h.Height())
			fmt.Fprintf(a.out, "source     %s\n", src.ID())
			fmt.Fprintf(a.out, "signal     %d channels, %d Hz, %d frames (%.2fs)\n",
				src.ChannelCount(), src.SampleRate(), frames, float64(frames)/float64(src.SampleRate()))
			fmt.Fprintf(a.out, "window     %s, %d frames, hop %d, transform %d\n",
				p.Window, p.WindowSize, p.HopSize, p.FFTSize)
			fmt.Fprintf(a.out, "matrix     %d columns x %d bins, %s\n", h.Width(), h.Height(), p.Encoding)
			fmt.Fprintf(a.out, "storage    %d bytes per column, %d bytes total, chunks of %d columns\n",
				colBytes, int64(colBytes)*int64(h.Width()), h.Manager().MaxChunkWidth())
			free := "unknown"
			if n, err := storage.FreeDiskBytes(a.cfg.Cache.Dir); err == nil && n >= 0 {
				free = fmt.Sprintf("%d bytes", n)
			}
			fmt.Fprintf(a.out, "cache      %s, %s free, %d prefetches outstanding\n",
				a.cfg.Cache.Dir, free, prefetch.Shared().Pending())

			if !peak {
				return nil
			}
			mags := make([]float32, h.Height())
			if err := h.ColumnMagnitudes(h.Width()/2, mags); err != nil {
				return err
			}
			b := utils.FindPeakBin(mags, 1, len(mags)-1)
			fmt.Fprintf(a.out, "peak       bin %d (%.1f Hz) at column %d\n",
				b, utils.BinFrequency(b, p.FFTSize, float64(src.SampleRate())), h.Width()/2)
			return nil
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().BoolVar(&peak, "peak", false, "Also report the loudest bin of the middle column")
	return cmd
}

func (a *app) synthCommand() *cobra.Command {
	var (
		kind     string
		freq     float64
		seconds  float64
		rate     int
		channels int
	)
	cmd := &cobra.Command{
		Use:   "synth <wav>",
		Short: "Write a test signal to a 16-bit WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rate <= 0 || seconds <= 0 || channels <= 0 {
				return fmt.Errorf("rate, seconds and channels must be positive")
			}
			n := int(seconds * float64(rate))
			var samples []float32
			switch kind {
			case "sine":
				samples = utils.GenerateSineWave(n, float64(rate), freq)
			case "complex":
				samples = utils.GenerateComplexWave(n, float64(rate))
			case "chirp":
				samples = utils.GenerateChirp(n, float64(rate), freq, float64(rate)/2)
			default:
				return fmt.Errorf("unknown signal kind %q (sine, complex, chirp)", kind)
			}
			chans := make([][]float32, channels)
			for c := range chans {
				chans[c] = samples
			}
			if err := source.WriteWAV(args[0], rate, chans); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %s: %s, %d frames at %d Hz\n", args[0], kind, n, rate)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "sine", "Signal kind (sine, complex, chirp)")
	cmd.Flags().Float64VarP(&freq, "freq", "f", 440, "Frequency in Hz (start frequency for chirp)")
	cmd.Flags().Float64VarP(&seconds, "seconds", "d", 5, "Duration in seconds")
	cmd.Flags().IntVarP(&rate, "sample-rate", "s", 44100, "Sample rate in Hz")
	cmd.Flags().IntVar(&channels, "channels", 1, "Number of identical channels")
	return cmd
}
