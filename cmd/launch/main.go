package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	apiclient "github.com/splax/launchpad/pkg/api/client"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/jwt"
	"golang.org/x/term"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "token":
		err = commandToken(args)
	case "deploy":
		err = commandDeploy(args)
	case "status":
		err = commandStatus(args)
	case "list":
		err = commandList(args)
	case "logs":
		err = commandLogs(args)
	case "health":
		err = commandHealth(args)
	case "rollback":
		err = commandRollback(args)
	case "redeploy":
		err = commandRedeploy(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Access token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4100)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--token is required when stdin is not a terminal")
		}
		fmt.Print("Access token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("token is empty")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("token saved")
	return nil
}

func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "", "Token subject")
	projectID := fs.String("project", "", "Restrict the token to one project (empty for all)")
	scopes := fs.String("scopes", "deploy,read", "Comma separated scopes (deploy,read,runtime)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	save := fs.Bool("save", false, "Store the token in the CLI config")
	fs.Parse(args)

	secret := config.LoadClientConfig().TokenSecret
	if secret == "" {
		return errors.New("API_TOKEN_SECRET must be set to mint tokens")
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}
	var list []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	token, err := jwt.GenerateToken(*subject, *projectID, list, secret, *ttl)
	if err != nil {
		return err
	}
	if *save {
		cfg, _ := loadConfig()
		cfg.AccessToken = token
		if err := saveConfig(cfg); err != nil {
			return err
		}
	}
	fmt.Println(token)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	dir := fs.String("dir", ".", "Project directory to upload")
	strategy := fs.String("strategy", "", "Deployment strategy (bluegreen|rolling)")
	version := fs.String("version", "", "Version label")
	commit := fs.String("commit", "", "Commit SHA")
	branch := fs.String("branch", "", "Branch name")
	buildCmd := fs.String("build", "", "Override the build command")
	runtimeVersion := fs.String("runtime", "", "Override the runtime version")
	wait := fs.Bool("wait", false, "Block until the deployment is live or failed")
	follow := fs.Bool("follow", false, "Stream deployment logs until it finishes")
	var envFlags multiFlag
	fs.Var(&envFlags, "env", "Environment variable KEY=VALUE (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	env, err := parseEnv(envFlags)
	if err != nil {
		return err
	}

	client, token, err := newClient()
	if err != nil {
		return err
	}
	archive, err := packDirectory(*dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "uploading %s (%d bytes)\n", *dir, archive.Len())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input := apiclient.DeployInput{
		Strategy:       *strategy,
		Version:        *version,
		Commit:         *commit,
		Branch:         *branch,
		BuildCommand:   *buildCmd,
		RuntimeVersion: *runtimeVersion,
		Env:            env,
		Wait:           *wait && !*follow,
	}
	dep, err := client.Deploy(ctx, token, *projectID, archive, input)
	if err != nil {
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Deployment != nil {
			printDeployment(*apiErr.Deployment)
		}
		return err
	}
	if *follow {
		if err := followLogs(ctx, client, token, dep.ID); err != nil {
			return err
		}
		if dep, err = client.GetDeployment(ctx, token, dep.ID); err != nil {
			return err
		}
	}
	printDeployment(dep)
	if dep.Status == "FAILED" {
		return errors.New("deployment failed")
	}
	return nil
}

// followLogs streams logs until the deployment reaches a terminal status.
func followLogs(ctx context.Context, client *apiclient.Client, token, deploymentID string) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				dep, err := client.GetDeployment(streamCtx, token, deploymentID)
				if err == nil && dep.Terminal() {
					// allow the final lines to flush before closing
					time.Sleep(500 * time.Millisecond)
					cancel()
					return
				}
			}
		}
	}()

	err := client.StreamLogs(streamCtx, token, deploymentID, 0, func(entry apiclient.LogEntry) error {
		printLogEntry(entry)
		return nil
	})
	if err != nil && streamCtx.Err() != nil && ctx.Err() == nil {
		return nil
	}
	return err
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	asJSON := fs.Bool("json", false, "Print the raw deployment document")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, token, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.GetDeployment(ctx, token, *deploymentID)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(dep)
	}
	printDeployment(dep)
	for _, stage := range dep.Stages {
		line := fmt.Sprintf("  %-10s %s", stage.Name, stage.Status)
		if len(stage.Steps) > 0 {
			line += fmt.Sprintf(" steps=%v", stage.Steps)
		}
		if stage.Error != "" {
			line += " error=" + stage.Error
		}
		fmt.Println(line)
	}
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 10, "Maximum number of deployments")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, token, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", dep.ID, dep.Status, dep.Strategy, dep.Version, dep.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	offset := fs.Int("offset", 0, "Skip the first N entries")
	follow := fs.Bool("follow", false, "Keep streaming new entries")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, token, err := newClient()
	if err != nil {
		return err
	}
	if *follow {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := client.StreamLogs(ctx, token, *deploymentID, *offset, func(entry apiclient.LogEntry) error {
			printLogEntry(entry)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	page, err := client.FetchLogs(ctx, token, *deploymentID, *offset)
	if err != nil {
		return err
	}
	for _, entry := range page.Entries {
		printLogEntry(entry)
	}
	return nil
}

func commandHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	limit := fs.Int("limit", 5, "Number of checks to show")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, token, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	health, err := client.Health(ctx, token, *deploymentID, *limit)
	if err != nil {
		return err
	}
	for _, check := range health.Checks {
		verdict := "healthy"
		if !check.Healthy {
			verdict = "unhealthy"
		}
		fmt.Printf("%s\t%s\truntime=%s\tcpu=%.1f%%\tmem=%.1f%%\t%s\n",
			check.CheckedAt.Format(time.RFC3339), verdict, check.RuntimeStatus,
			check.CPUPercent, check.MemoryPercent, check.Error)
	}
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := client.Rollback(ctx, token, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back to %s %s\n", res.DeploymentID, res.URL)
	return nil
}

func commandRedeploy(args []string) error {
	fs := flag.NewFlagSet("redeploy", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment to rebuild from its stored archive")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, token, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dep, err := client.Redeploy(ctx, token, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Printf("deployment queued: %s status=%s\n", dep.ID, dep.Status)
	return nil
}

func newClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	env := config.LoadClientConfig()
	if v, ok := os.LookupEnv("LAUNCHPAD_API"); ok && strings.TrimSpace(v) != "" {
		cfg.APIBaseURL = env.APIBaseURL
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if env.Token != "" {
		token = env.Token
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func printDeployment(dep apiclient.Deployment) {
	fmt.Printf("%s\t%s\t%s\t%s\n", dep.ID, dep.Status, dep.Strategy, dep.URL)
	if dep.Error != "" {
		fmt.Printf("  error: %s\n", dep.Error)
	}
}

func printLogEntry(entry apiclient.LogEntry) {
	stage := entry.Stage
	if stage == "" {
		stage = "-"
	}
	fmt.Printf("%s [%s] %-9s %s\n", entry.Time.Local().Format("15:04:05"), strings.ToUpper(entry.Level), stage, entry.Message)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: config.LoadClientConfig().APIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = config.LoadClientConfig().APIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "launchpad", "config.json"), nil
}

func printUsage() {
	fmt.Printf("launch CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	launch login [--token <token>] [--api http://localhost:4100]
	launch token --subject <name> [--project <project-id>] [--scopes deploy,read] [--ttl 720h] [--save]
	launch deploy --project <project-id> [--dir .] [--strategy bluegreen|rolling] [--env KEY=VALUE] [--wait] [--follow]
	launch status --deployment <deployment-id> [--json]
	launch list --project <project-id> [--limit N]
	launch logs --deployment <deployment-id> [--offset N] [--follow]
	launch health --deployment <deployment-id> [--limit N]
	launch rollback --project <project-id>
	launch redeploy --deployment <deployment-id>
	launch version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
