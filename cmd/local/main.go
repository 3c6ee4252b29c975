package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"policy-renewal-agent/internal/integrations/jobservice"
	"policy-renewal-agent/internal/repository/memory"
	"policy-renewal-agent/internal/usecase"
)

type options struct {
	baseURL       string
	releaseKey    string
	robotID       int64
	inputArgument string
	tenancy       string
	username      string
	password      string
	pickupDelay   time.Duration
	pollDelay     time.Duration
	sessionID     string
	verbose       bool
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:   "renewal-local",
		Short: "Run the policy renewal conversation in the terminal",
		Long: `Reads one turn per line from stdin and prints the replies.
Session state is kept in memory. Type /transcript to list past turns, /reset to start over and /quit to exit.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := root.Flags()
	f.StringVar(&opts.baseURL, "base-url", os.Getenv("JOB_SERVICE_BASE_URL"), "job service base URL")
	f.StringVar(&opts.releaseKey, "release-key", os.Getenv("JOB_RELEASE_KEY"), "release key of the renewal process")
	f.Int64Var(&opts.robotID, "robot-id", 0, "robot that runs the job")
	f.StringVar(&opts.inputArgument, "input-argument", "", "name of the job input argument holding the policy number")
	f.StringVar(&opts.tenancy, "tenancy", "Default", "tenancy name")
	f.StringVar(&opts.username, "username", os.Getenv("JOB_SERVICE_USERNAME"), "user name or email")
	f.StringVar(&opts.password, "password", os.Getenv("JOB_SERVICE_PASSWORD"), "password")
	f.DurationVar(&opts.pickupDelay, "pickup-delay", 20*time.Second, "wait after starting the job")
	f.DurationVar(&opts.pollDelay, "poll-delay", 3*time.Second, "wait after reading the queue")
	f.StringVar(&opts.sessionID, "session", "", "session id (random when empty)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	jobs, err := jobservice.NewClient(jobservice.Config{
		BaseURL:       opts.baseURL,
		ReleaseKey:    opts.releaseKey,
		RobotID:       opts.robotID,
		InputArgument: opts.inputArgument,
		PickupDelay:   opts.pickupDelay,
		PollDelay:     opts.pollDelay,
	},
		jobservice.WithCredentials(jobservice.Credentials{
			TenancyName: opts.tenancy,
			Username:    opts.username,
			Password:    opts.password,
		}),
		jobservice.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	store := memory.NewSessionRepository(0)
	svc, err := usecase.NewRenewalService(store, jobs, logger, 0)
	if err != nil {
		return err
	}

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	fmt.Fprintf(out, "session %s, say anything to begin\n", sessionID)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case "/quit":
			return nil
		case "/reset":
			store.Delete(sessionID)
			fmt.Fprintln(out, "session cleared")
			continue
		case "/transcript":
			for _, t := range store.Transcript(sessionID) {
				fmt.Fprintf(out, "[%s] %q -> %q\n", t.Outcome, t.Text, t.Reply)
			}
			continue
		}

		res, err := svc.Run(ctx, usecase.TurnInput{SessionID: sessionID, Text: line})
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		for _, msg := range res.Messages {
			fmt.Fprintln(out, msg)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
