package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"policy-renewal-agent/handler"
	"policy-renewal-agent/internal/integrations/jobservice"
	"policy-renewal-agent/internal/integrations/paramstore"
	"policy-renewal-agent/internal/repository"
	"policy-renewal-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := strings.TrimRight(mustEnv("PARAM_PREFIX"), "/")
	jobCfg := jobservice.Config{
		BaseURL:       mustEnv("JOB_SERVICE_BASE_URL"),
		ReleaseKey:    mustEnv("JOB_RELEASE_KEY"),
		RobotID:       int64(mustEnvInt("JOB_ROBOT_ID")),
		InputArgument: os.Getenv("JOB_INPUT_ARGUMENT"),
		PickupDelay:   envDuration("JOB_PICKUP_DELAY", 20*time.Second),
		PollDelay:     envDuration("JOB_POLL_DELAY", 3*time.Second),
		Timeout:       envDuration("JOB_HTTP_TIMEOUT", 90*time.Second),
	}
	stateTTL := time.Duration(envInt("STATE_TTL_DAYS", 30)) * 24 * time.Hour
	maxTextLen := envInt("MAX_TEXT_LENGTH", 300)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, repository.WithTTL(stateTTL))
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	jobClient, err := jobservice.NewClient(jobCfg,
		jobservice.WithCredentialSource(ssmClient, paramPrefix+"/job-service-credentials"))
	if err != nil {
		slog.Error("failed to create job service client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	renewalService, err := usecase.NewRenewalService(stateClient, jobClient, slog.Default(), maxTextLen)
	if err != nil {
		slog.Error("failed to create renewal service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(renewalService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func mustEnvInt(key string) int {
	v := mustEnv(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Error("environment variable is not an integer", "key", key, "value", v)
		os.Exit(1)
	}
	return n
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
