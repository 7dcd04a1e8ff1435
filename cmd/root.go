package main

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/riverrun/segdl/internal/adaptive"
	"github.com/riverrun/segdl/internal/httpclient"
	"github.com/riverrun/segdl/internal/model"
	"github.com/riverrun/segdl/internal/output"
	"github.com/riverrun/segdl/internal/queue"
	"github.com/riverrun/segdl/internal/sidecar"
)

const ToolUserAgent = "segdl/dev"

var (
	outputPath    string
	connections   int
	concurrency   int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	headers       []string
	debug         bool
	urlListFile   string
	adaptiveMode  bool
	allowlist     []string
	cleanOutput   bool
)

var rootCmd = &cobra.Command{
	Use:     "segdl",
	Short:   "segdl is a concurrent, resumable, segmented HTTP download manager",
	Version: "dev",
	Args:    cobra.ArbitraryArgs,
	RunE:    runRoot,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (segdl infers the filename if not provided)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to a YAML file listing URLs and output paths")
	rootCmd.Flags().IntVarP(&concurrency, "workers", "w", model.DefaultQueueCap, "Number of jobs to run concurrently")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 4, "Number of segment connections per download")
	rootCmd.Flags().BoolVar(&adaptiveMode, "adaptive", false, "Let each job rebalance its own segment count while running")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Timeout for each whole HTTP request, including reading its body (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 60*time.Second, "Keep-alive timeout for the HTTP client")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", ToolUserAgent, "User agent sent with every request")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom header 'Key: Value', repeatable")
	rootCmd.Flags().StringArrayVar(&allowlist, "allow-host", []string{}, "Restrict downloads to this host (repeatable); empty allows any https host")
	rootCmd.Flags().BoolVar(&cleanOutput, "clean", false, "Remove a stray .part/.part.json pair for the given output path and exit")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newCleanCmd())
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level).With().Timestamp().Logger()
}

func parseHeaderArgs(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func runRoot(cmd *cobra.Command, args []string) error {
	if cleanOutput {
		if outputPath == "" {
			return fmt.Errorf("--clean requires --output")
		}
		if err := cleanSidecarFiles(outputPath); err != nil {
			return fmt.Errorf("cleaning up: %w", err)
		}
		fmt.Println("Cleaned up part file and sidecar")
		return nil
	}

	if len(args) == 0 && urlListFile == "" {
		return fmt.Errorf("no URL or --urllist provided")
	}
	if urlListFile != "" && len(args) > 0 {
		return fmt.Errorf("cannot specify a URL argument and --urllist together")
	}

	log := newLogger()
	client := httpclient.New(httpclient.Config{
		Timeout:        timeout,
		KeepAlive:      kaTimeout,
		ProxyURL:       proxyURL,
		UserAgent:      userAgent,
		Headers:        parseHeaderArgs(headers),
		HighThreadMode: connections > 8,
	})
	store := sidecar.New(log)

	qcfg := queue.Config{
		Concurrency: concurrency,
		Allowlist:   allowlist,
		Thresholds:  adaptive.DefaultThresholds(),
	}
	o := queue.New(log, client, store, qcfg)
	defer o.Close()

	mgr := output.NewManager()
	subID := o.Subscribe(mgr.Observe)
	defer o.Unsubscribe(subID)

	var ids []string
	if len(args) > 0 {
		rawURL := args[0]
		if _, err := url.Parse(rawURL); err != nil {
			return fmt.Errorf("invalid URL: %w", err)
		}
		dest, filename := splitOutput(outputPath)
		if filename != "" {
			if full := filepath.Join(dest, filename); fileExists(full) {
				filename = renewOutputName(full)
				filename = filepath.Base(filename)
			}
		}
		id, err := o.Add(rawURL, queue.AddOptions{
			Filename:    filename,
			DestDir:     dest,
			Connections: connections,
			Adaptive:    adaptiveMode,
		})
		if err != nil {
			return fmt.Errorf("adding job: %w", err)
		}
		ids = append(ids, id)
	} else {
		entries, err := loadBatch(urlListFile)
		if err != nil {
			return fmt.Errorf("reading url list: %w", err)
		}
		perJobConnections := connections
		if n := len(entries); n > 0 {
			const maxTotalConnections = 64
			if n*perJobConnections > maxTotalConnections {
				perJobConnections = max(maxTotalConnections/n, 1)
			}
		}
		for _, entry := range entries {
			dest, filename := splitOutput(entry.Output)
			id, err := o.Add(entry.URL, queue.AddOptions{
				Filename:    filename,
				DestDir:     dest,
				Connections: perJobConnections,
				Adaptive:    adaptiveMode,
			})
			if err != nil {
				log.Warn().Str("url", entry.URL).Err(err).Msg("skipping entry")
				continue
			}
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		return fmt.Errorf("no jobs were queued")
	}

	mgr.StartDisplay()
	failed := waitForTerminal(o, ids, installSignalHandler(o, ids))
	mgr.StopDisplay()

	if failed {
		return fmt.Errorf("one or more downloads did not complete")
	}
	return nil
}

// installSignalHandler returns a channel that's closed once a second
// SIGINT has been received. A single SIGINT pauses every job named by
// ids (resumable via a future run); a second cancels them outright.
func installSignalHandler(o *queue.Orchestrator, ids []string) <-chan struct{} {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	abort := make(chan struct{})
	go func() {
		<-sigCh
		fmt.Println("\nPausing active downloads (press Ctrl-C again to cancel)...")
		for _, id := range ids {
			_ = o.Pause(id)
		}
		<-sigCh
		fmt.Println("\nCancelling...")
		for _, id := range ids {
			_ = o.Cancel(id)
		}
		close(abort)
	}()
	return abort
}

func waitForTerminal(o *queue.Orchestrator, ids []string, abort <-chan struct{}) bool {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return true
		case <-ticker.C:
			allTerminal, anyFailed := true, false
			for _, id := range ids {
				s, ok := o.Get(id)
				if !ok || !s.Status.Terminal() {
					allTerminal = false
					continue
				}
				if s.Status == model.StatusFailed || s.Status == model.StatusCancelled {
					anyFailed = true
				}
			}
			if allTerminal {
				return anyFailed
			}
		}
	}
}

func splitOutput(outputPath string) (dir, filename string) {
	if outputPath == "" {
		return ".", ""
	}
	dir = filepath.Dir(outputPath)
	filename = filepath.Base(outputPath)
	return dir, filename
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// renewOutputName appends an incrementing "-(n)" suffix until path no
// longer collides with an existing file.
func renewOutputName(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, i, ext))
		if !fileExists(candidate) {
			return candidate
		}
	}
}
