package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quantmind-br/reposheet-go/internal/app"
	"github.com/quantmind-br/reposheet-go/internal/config"
	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/utils"
	"github.com/quantmind-br/reposheet-go/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	log     *utils.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reposheet [url...]",
	Short: "Scrape repository and web page metadata into spreadsheets",
	Long: `RepoSheet fetches metadata for source-code repositories and web pages
and syncs it into a local Excel workbook and, optionally, a remote
collaborative sheet.

URLs on recognized repository hosts produce repository rows (stars,
forks, language, license); every other URL produces a page row (title,
description, keywords, links). Rows are keyed by canonical URL, so
re-scraping updates in place instead of duplicating.`,
	Version: version.Short(),
	Args:    cobra.ArbitraryArgs,
	RunE:    runScrape,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.reposheet/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.Flags().StringP("file", "f", "", "File with one URL per line")
	rootCmd.Flags().Bool("remote", false, "Also sync to the remote sheet")
	rootCmd.Flags().IntP("concurrency", "j", config.DefaultWorkers, "Number of concurrent workers")
	rootCmd.Flags().Duration("timeout", config.DefaultTimeout, "Request timeout")
	rootCmd.Flags().Bool("no-cache", false, "Disable the response cache")
	rootCmd.Flags().String("output", "", "Path of the local workbook")
	rootCmd.Flags().String("github-token", "", "API token for the repository source")
	rootCmd.Flags().String("user-agent", "", "Custom User-Agent")

	_ = viper.BindPFlag("concurrency.workers", rootCmd.Flags().Lookup("concurrency"))
	_ = viper.BindPFlag("concurrency.timeout", rootCmd.Flags().Lookup("timeout"))
	_ = viper.BindPFlag("local.path", rootCmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("source.github_token", rootCmd.Flags().Lookup("github-token"))
	_ = viper.BindPFlag("source.user_agent", rootCmd.Flags().Lookup("user-agent"))

	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func setup() (*config.Config, error) {
	logLevel := ""
	if verbose {
		logLevel = "debug"
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}

	log = utils.NewLogger(utils.LoggerOptions{
		Level:   logLevel,
		Format:  cfg.Logging.Format,
		Verbose: verbose,
	})
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runScrape(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	urlFile, _ := cmd.Flags().GetString("file")
	urls := args
	if urlFile != "" {
		fromFile, err := readURLFile(urlFile)
		if err != nil {
			return err
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return cmd.Help()
	}

	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		cfg.Cache.Enabled = false
	}
	remote, _ := cmd.Flags().GetBool("remote")

	orchestrator, err := app.New(app.Options{Config: cfg, Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orchestrator.Close()

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	reports, err := orchestrator.ScrapeBatch(ctx, urls, remote)
	if err != nil {
		return err
	}

	printSummary(reports, time.Since(start))
	for _, r := range reports {
		if r.Outcome == domain.OutcomeFailed || r.Outcome == domain.OutcomePartialSync {
			return fmt.Errorf("%d of %d urls did not fully sync", countBad(reports), len(reports))
		}
	}
	return nil
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open url file: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

func countBad(reports []*domain.ItemReport) int {
	n := 0
	for _, r := range reports {
		if r.Outcome == domain.OutcomeFailed || r.Outcome == domain.OutcomePartialSync {
			n++
		}
	}
	return n
}

func printSummary(reports []*domain.ItemReport, elapsed time.Duration) {
	counts := make(map[domain.Outcome]int)
	for _, r := range reports {
		counts[r.Outcome]++
		line := fmt.Sprintf("  %-18s %s", r.Outcome, r.URL)
		if r.Reason != "" {
			line += "  (" + r.Reason + ")"
		}
		fmt.Println(line)
	}

	fmt.Printf("\n%d urls in %s: %d created, %d updated, %d unchanged, %d duplicate, %d failed\n",
		len(reports), elapsed.Round(time.Millisecond),
		counts[domain.OutcomeCreated],
		counts[domain.OutcomeUpdated],
		counts[domain.OutcomeSkippedExisting],
		counts[domain.OutcomeSkippedDuplicate],
		counts[domain.OutcomeFailed]+counts[domain.OutcomePartialSync]+counts[domain.OutcomeCancelled])
}

var deleteCmd = &cobra.Command{
	Use:   "delete [url]",
	Short: "Delete the record for a URL from every backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		orchestrator, err := app.New(app.Options{Config: cfg, Logger: log})
		if err != nil {
			return err
		}
		defer orchestrator.Close()

		ctx, cancel := signalContext()
		defer cancel()

		allKinds, _ := cmd.Flags().GetBool("all-kinds")
		results, err := orchestrator.DeleteByURL(ctx, args[0], allKinds)
		if err != nil {
			return err
		}

		var failed bool
		for _, r := range results {
			fmt.Printf("  %-8s %s\n", r.Backend, r.Outcome)
			if r.Outcome == domain.DeleteFailed {
				failed = true
			}
		}
		if failed {
			return fmt.Errorf("delete did not complete in every backend")
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one backend's table as an xlsx file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		backend, _ := cmd.Flags().GetString("backend")
		kindFlag, _ := cmd.Flags().GetString("kind")
		outPath, _ := cmd.Flags().GetString("out")

		kind := domain.KindRepository
		if kindFlag == "pages" {
			kind = domain.KindPage
		} else if kindFlag != "repositories" {
			return fmt.Errorf("unknown kind %q, want repositories or pages", kindFlag)
		}

		orchestrator, err := app.New(app.Options{Config: cfg, Logger: log})
		if err != nil {
			return err
		}
		defer orchestrator.Close()

		ctx, cancel := signalContext()
		defer cancel()

		data, err := orchestrator.Export(ctx, domain.BackendID(backend), kind)
		if err != nil {
			return err
		}
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Printf("Exported %s/%s to %s (%d bytes)\n", backend, kindFlag, outPath, len(data))
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay writes buffered while the local workbook was locked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		orchestrator, err := app.New(app.Options{Config: cfg, Logger: log})
		if err != nil {
			return err
		}
		defer orchestrator.Close()

		ctx, cancel := signalContext()
		defer cancel()

		n, err := orchestrator.ReplaySideBuffer(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Replayed %d buffered rows\n", n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

func init() {
	deleteCmd.Flags().Bool("all-kinds", false, "Try both tables in every backend")
	exportCmd.Flags().String("backend", string(domain.BackendLocal), "Backend to export (local or remote)")
	exportCmd.Flags().String("kind", "repositories", "Table to export (repositories or pages)")
	exportCmd.Flags().String("out", "./export.xlsx", "Output path")
}
