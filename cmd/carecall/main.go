package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/google/uuid"
	"github.com/vitalsignal/carecall/internal/channel"
	"github.com/vitalsignal/carecall/internal/config"
	"github.com/vitalsignal/carecall/internal/cron"
	"github.com/vitalsignal/carecall/internal/gateway"
	"github.com/vitalsignal/carecall/internal/journal"
	"github.com/vitalsignal/carecall/internal/notifier"
)

var rootCmd = &cobra.Command{
	Use:   "carecall",
	Short: "carecall - automated emergency verification calls",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (dispatch endpoint + channels + check-ins + watchdog)",
	RunE:  runGateway,
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Run a single verification call on the console",
	RunE:  runCall,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show carecall status and recent outcomes",
	RunE:  runStatus,
}

var checkinCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Manage scheduled check-in calls",
}

var checkinAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled check-in",
	RunE:  runCheckinAdd,
}

var checkinListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled check-ins",
	RunE:  runCheckinList,
}

var checkinRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a scheduled check-in",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckinRm,
}

var checkinEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a scheduled check-in",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleCheckin(args[0], true) },
}

var checkinDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a scheduled check-in",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleCheckin(args[0], false) },
}

var (
	payloadFlag     string
	payloadFileFlag string

	checkinNameFlag    string
	checkinCronFlag    string
	checkinEveryFlag   time.Duration
	checkinUserFlag    string
	checkinChannelFlag string
	checkinChatFlag    string
	checkinMessageFlag string
)

func init() {
	callCmd.Flags().StringVarP(&payloadFlag, "payload", "p", "", "Dispatch payload JSON")
	callCmd.Flags().StringVarP(&payloadFileFlag, "payload-file", "f", "", "File containing the dispatch payload")

	checkinAddCmd.Flags().StringVar(&checkinNameFlag, "name", "", "Job name")
	checkinAddCmd.Flags().StringVar(&checkinCronFlag, "cron", "", "Cron expression with seconds, e.g. '0 0 9 * * *'")
	checkinAddCmd.Flags().DurationVar(&checkinEveryFlag, "every", 0, "Fixed interval, e.g. 24h")
	checkinAddCmd.Flags().StringVar(&checkinUserFlag, "user", "", "User ID the check-in is for")
	checkinAddCmd.Flags().StringVar(&checkinChannelFlag, "channel", "telegram", "Channel to reach the person on")
	checkinAddCmd.Flags().StringVar(&checkinChatFlag, "chat", "", "Channel address, e.g. telegram chat ID")
	checkinAddCmd.Flags().StringVar(&checkinMessageFlag, "message", "", "Opening line of the check-in")

	checkinCmd.AddCommand(checkinAddCmd, checkinListCmd, checkinRmCmd, checkinEnableCmd, checkinDisableCmd)
	rootCmd.AddCommand(gatewayCmd, callCmd, onboardCmd, statusCmd, checkinCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend URL not set. Run 'carecall onboard' or set CARECALL_BACKEND_URL")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

// CallOptions allows injecting IO and the notifier for testing.
type CallOptions struct {
	Notifier notifier.Notifier
	Stdin    io.Reader
	Stdout   io.Writer
}

func runCall(cmd *cobra.Command, args []string) error {
	return runCallWithOptions(CallOptions{})
}

// runCallWithOptions runs one verification session over stdin/stdout.
func runCallWithOptions(opts CallOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Console calls run standalone: no network channels, no scheduler.
	cfg.Channels.VoiceBridge.Enabled = false
	cfg.Channels.Telegram.Enabled = false
	cfg.Checkins.Enabled = false

	payload, err := readPayload()
	if err != nil {
		return err
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Notifier: opts.Notifier})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callID := uuid.NewString()
	console := channel.NewConsoleChannel(callID, stdin, stdout, gw.Bus())
	gw.Channels().Register(console)

	go gw.Bus().DispatchOutbound(ctx)
	go gw.ProcessLoop(ctx)

	s, err := gw.StartCall("console", callID, payload)
	if err != nil {
		return err
	}

	// Start reading utterances only once the session is registered.
	if err := gw.Channels().StartAll(ctx); err != nil {
		return fmt.Errorf("start console channel: %w", err)
	}

	<-s.Done()

	// Let the dispatcher flush the closing line before the outcome block.
	for len(gw.Bus().Outbound) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	fmt.Fprintf(stdout, "\nOutcome: %s\n", s.State())
	fmt.Fprintf(stdout, "Summary: %s\n", s.Summary())
	fmt.Fprintf(stdout, "Backend: %s\n", s.NotifyResult())

	_ = gw.Channels().StopAll()
	return gw.Shutdown()
}

func readPayload() ([]byte, error) {
	if payloadFlag != "" {
		return []byte(payloadFlag), nil
	}
	if payloadFileFlag != "" {
		data, err := os.ReadFile(payloadFileFlag)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return data, nil
	}
	// No payload degrades to the sentinel record, same as a broken dispatch.
	return nil, nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set the backend URL and API key\n", cfgPath)
	fmt.Println("  2. Or set CARECALL_BACKEND_URL / CARECALL_BACKEND_API_KEY")
	fmt.Println("  3. Run 'carecall call -p '{\"incident_id\":\"test\"}'' to try a console call")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Backend: %s\n", backendDisplay(cfg.Backend.BaseURL))
	if cfg.Backend.APIKey != "" {
		fmt.Println("Backend API key: set")
	} else {
		fmt.Println("Backend API key: not set")
	}
	fmt.Printf("LLM summaries: enabled=%v model=%s\n", cfg.Agent.LLMSummaries, cfg.Agent.Model)
	fmt.Printf("VoiceBridge: enabled=%v\n", cfg.Channels.VoiceBridge.Enabled)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Check-ins: enabled=%v\n", cfg.Checkins.Enabled)
	fmt.Printf("Decision deadline: %ds\n", cfg.Watchdog.DeadlineSecs)

	dbPath := cfg.Journal.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "journal.db")
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Journal: empty (no calls recorded yet)")
		return nil
	}

	store, err := journal.NewStore(dbPath)
	if err != nil {
		fmt.Printf("Journal: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	entries, err := store.Recent(context.Background(), 10)
	if err != nil {
		fmt.Printf("Journal: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Recent outcomes (%d):\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  %s  %-9s  %s  %s\n", e.CreatedAt.Format("2006-01-02 15:04"), e.Outcome, e.IncidentID, e.Summary)
	}

	return nil
}

func backendDisplay(u string) string {
	if u == "" {
		return "not set"
	}
	return u
}

// checkinStore opens the job store the gateway reads at startup. Edits made
// while a gateway is running take effect on its next start.
func checkinStore() (*cron.Service, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	storePath := cfg.Checkins.StorePath
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir(), "data", "checkins", "jobs.json")
	}
	return cron.Open(storePath)
}

func runCheckinAdd(cmd *cobra.Command, args []string) error {
	if checkinChatFlag == "" {
		return fmt.Errorf("--chat is required")
	}

	var schedule cron.Schedule
	switch {
	case checkinCronFlag != "":
		schedule = cron.Schedule{Kind: "cron", Expr: checkinCronFlag}
	case checkinEveryFlag > 0:
		schedule = cron.Schedule{Kind: "every", EveryMs: checkinEveryFlag.Milliseconds()}
	default:
		return fmt.Errorf("one of --cron or --every is required")
	}

	name := checkinNameFlag
	if name == "" {
		name = "checkin-" + checkinChatFlag
	}

	svc, err := checkinStore()
	if err != nil {
		return err
	}
	job, err := svc.AddJob(name, schedule, cron.Payload{
		UserID:  checkinUserFlag,
		Channel: checkinChannelFlag,
		ChatID:  checkinChatFlag,
		Message: checkinMessageFlag,
	})
	if err != nil {
		return fmt.Errorf("add check-in: %w", err)
	}

	fmt.Printf("Added check-in %s (%s)\n", job.Name, job.ID)
	return nil
}

func runCheckinList(cmd *cobra.Command, args []string) error {
	svc, err := checkinStore()
	if err != nil {
		return err
	}

	jobs := svc.ListJobs()
	if len(jobs) == 0 {
		fmt.Println("No check-ins scheduled")
		return nil
	}
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s  %-8s  %-10s  %s -> %s/%s", job.ID, state, scheduleDisplay(job.Schedule), job.Name, job.Payload.Channel, job.Payload.ChatID)
		if job.State.LastStatus != "" {
			fmt.Printf("  last=%s", job.State.LastStatus)
		}
		fmt.Println()
	}
	return nil
}

func runCheckinRm(cmd *cobra.Command, args []string) error {
	svc, err := checkinStore()
	if err != nil {
		return err
	}
	if !svc.RemoveJob(args[0]) {
		return fmt.Errorf("check-in %s not found", args[0])
	}
	fmt.Printf("Removed check-in %s\n", args[0])
	return nil
}

func toggleCheckin(id string, enabled bool) error {
	svc, err := checkinStore()
	if err != nil {
		return err
	}
	job, err := svc.EnableJob(id, enabled)
	if err != nil {
		return err
	}
	state := "enabled"
	if !job.Enabled {
		state = "disabled"
	}
	fmt.Printf("Check-in %s %s\n", job.Name, state)
	return nil
}

func scheduleDisplay(s cron.Schedule) string {
	switch s.Kind {
	case "cron":
		return s.Expr
	case "every":
		return (time.Duration(s.EveryMs) * time.Millisecond).String()
	case "at":
		return time.UnixMilli(s.AtMs).Format("2006-01-02 15:04")
	}
	return s.Kind
}
