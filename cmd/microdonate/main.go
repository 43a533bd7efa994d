package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GwanWingYan/microdonate/pkg/api"
	"github.com/GwanWingYan/microdonate/pkg/donation"
	"github.com/GwanWingYan/microdonate/pkg/history"
	"github.com/GwanWingYan/microdonate/pkg/infra"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	logLevelEnv = "MICRODONATE_LOGLEVEL"
)

var (
	logger  *log.Logger
	config  *infra.Config
	fullCmd string
)

var (
	app = kingpin.New("microdonate", "Client and HTTP API for the micro-donations Soroban contract")

	configFile = app.Flag("config", "Path to config file").Short('c').String()

	serve  = app.Command("serve", "Serve the HTTP API").Default()
	listen = serve.Flag("listen", "Address to listen on, overrides the config").String()

	createProject     = app.Command("create-project", "Create a crowdfunding project")
	createProjectName = createProject.Arg("name", "Project symbol").Required().String()
	createProjectGoal = createProject.Arg("goal", "Funding goal").Required().Float64()

	donate        = app.Command("donate", "Donate to a project")
	donateProject = donate.Arg("project", "Project symbol").Required().String()
	donateAmount  = donate.Arg("amount", "Amount to donate").Required().Float64()

	withdraw        = app.Command("withdraw", "Withdraw raised funds (admin only)")
	withdrawProject = withdraw.Arg("project", "Project symbol").Required().String()
	withdrawAmount  = withdraw.Arg("amount", "Amount to withdraw").Required().Float64()

	initialize      = app.Command("init", "Set the contract admin")
	initializeAdmin = initialize.Arg("admin", "Admin account address (G...)").Required().String()

	projects = app.Command("projects", "List every project with its status")

	status     = app.Command("status", "Show the status of one project")
	statusName = status.Arg("name", "Project symbol").Required().String()

	historyCmd   = app.Command("history", "Show recent submissions")
	historyLimit = historyCmd.Flag("limit", "Number of submissions").Default("20").Int()

	version = app.Command("version", "Show version information")
)

func newLogger() *log.Logger {
	logger = log.New()
	logger.SetLevel(log.InfoLevel)
	if value, ok := os.LookupEnv(logLevelEnv); ok {
		if level, err := log.ParseLevel(value); err == nil {
			logger.SetLevel(level)
		}
	}
	return logger
}

func loadConfig() *infra.Config {
	c, err := infra.LoadConfig(*configFile)
	if err != nil {
		logger.Fatalf("load config error: %v\n", err)
	}
	if _, ok := os.LookupEnv(logLevelEnv); !ok && c.LogLevel != "" {
		if level, err := log.ParseLevel(c.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}
	return c
}

type components struct {
	ledger   *infra.HorizonLedger
	pipeline *infra.Pipeline
	service  *donation.Service
	store    *history.Store
}

func (c *components) Close() {
	if c.store != nil {
		c.store.Close()
	}
}

func assemble(metrics *infra.Metrics) (*components, error) {
	identity, err := infra.LoadIdentity(config.SecretKey)
	if err != nil {
		return nil, err
	}

	c := &components{ledger: infra.NewHorizonLedger(*config, logger)}
	opts := []infra.Option{
		infra.WithTimeout(config.TimeoutSeconds),
		infra.WithMetrics(metrics),
	}
	if config.HistoryDSN != "" {
		c.store, err = history.Open(config.HistoryDSN, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, infra.WithRecorder(c.store))
	}

	c.pipeline = infra.NewPipeline(c.ledger, identity, config.ContractID, config.Passphrase(), logger, opts...)
	c.service = donation.NewService(c.pipeline, logger)
	logger.Debugf("Operating as %s on contract %s (%s)", c.pipeline.Address(), c.pipeline.ContractID(), config.Network)
	return c, nil
}

func runServe(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	c, err := assemble(infra.NewMetrics(registry))
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ledger.HealthCheck(ctx); err != nil {
		logger.Warnf("Horizon at %s is not reachable yet: %v", config.HorizonURL, err)
	}

	opts := []api.Option{api.WithGatherer(registry)}
	if c.store != nil {
		opts = append(opts, api.WithHistory(c.store))
	}
	addr := config.Listen
	if *listen != "" {
		addr = *listen
	}
	return api.NewServer(c.service, c.ledger, logger, opts...).ListenAndServe(ctx, addr)
}

func runOnce(ctx context.Context) error {
	c, err := assemble(infra.DisabledMetrics())
	if err != nil {
		return err
	}
	defer c.Close()

	var res *infra.SubmissionResult
	switch fullCmd {
	case createProject.FullCommand():
		res, err = c.service.CreateProject(ctx, *createProjectName, *createProjectGoal)
	case donate.FullCommand():
		res, err = c.service.Donate(ctx, *donateProject, *donateAmount)
	case withdraw.FullCommand():
		res, err = c.service.Withdraw(ctx, *withdrawProject, *withdrawAmount)
	case initialize.FullCommand():
		res, err = c.service.Initialize(ctx, *initializeAdmin)
	case projects.FullCommand():
		return printProjects(c.service.ListProjects(ctx))
	case status.FullCommand():
		p, err := c.service.GetProjectStatus(ctx, *statusName)
		if err != nil {
			return err
		}
		return printProjects([]donation.Project{*p}, nil)
	case historyCmd.FullCommand():
		if c.store == nil {
			return errors.New("history is disabled, set historyDSN")
		}
		return printHistory(c.store.Recent(ctx, *historyLimit))
	default:
		return errors.Errorf("invalid command: %s", fullCmd)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s %s in ledger %d\n", color.GreenString("confirmed"), res.Hash, res.Ledger)
	if url := c.ledger.ExplorerURL(res.Hash); url != "" {
		fmt.Printf("  %s\n", color.CyanString("%s", url))
	}
	return nil
}

func printProjects(list []donation.Project, err error) error {
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no projects")
		return nil
	}
	for _, p := range list {
		progress := color.YellowString("%d/%d", p.CurrentAmount, p.Goal)
		if p.Goal > 0 && p.CurrentAmount >= p.Goal {
			progress = color.GreenString("%d/%d", p.CurrentAmount, p.Goal)
		}
		fmt.Printf("%-32s %s\n", p.Name, progress)
	}
	return nil
}

func printHistory(rows []history.Submission, err error) error {
	if err != nil {
		return err
	}
	for _, r := range rows {
		state := color.GreenString("%s", r.Status)
		if r.Status != infra.StatusSuccess.String() {
			state = color.RedString("%s", r.Status)
			if r.ResultCode != "" {
				state += " " + r.ResultCode
			}
		}
		fmt.Printf("%s  %-18s %-40v %s %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.Function, r.Parameters, r.Hash, state)
	}
	return nil
}

func main() {
	var err error

	fullCmd = kingpin.MustParse(app.Parse(os.Args[1:]))

	logger = newLogger()

	if fullCmd == version.FullCommand() {
		fmt.Print(infra.GetVersionInfo())
		os.Exit(0)
	}

	config = loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch fullCmd {
	case serve.FullCommand():
		err = runServe(ctx)
	default:
		err = runOnce(ctx)
	}

	if err != nil {
		if code := infra.ResultCode(err); code != "" {
			logger.Errorf("%v (%s)", err, infra.DescribeCode(code))
		} else {
			logger.Errorln(err)
		}
		stop()
		os.Exit(1)
	}
}
