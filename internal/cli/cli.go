package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ignatij/leaseflow/internal/config"
	"github.com/ignatij/leaseflow/internal/log"
	internal_storage "github.com/ignatij/leaseflow/internal/storage"
	"github.com/ignatij/leaseflow/internal/transport"
	"github.com/ignatij/leaseflow/internal/trust"
	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// App holds what every command needs. The open* hooks are replaced in tests.
// Registry collects the event counters of every command run through the App;
// an embedding process may gather or export it.
type App struct {
	Clock         clock.Clock
	Registry      *prometheus.Registry
	OpenStore     func(url string) (storage.Store, error)
	OpenTransport func(cfg *config.Config) (service.Transport, func(), error)

	cfgPath  string
	dbURL    string
	logLevel string
	cfg      *config.Config
	logger   *logrus.Logger
	metrics  *events.Metrics
	sink     events.Sink
}

func NewApp() *App {
	return &App{
		Clock:    clock.New(),
		Registry: prometheus.NewRegistry(),
		OpenStore: func(url string) (storage.Store, error) {
			return internal_storage.InitStore(url)
		},
		OpenTransport: func(cfg *config.Config) (service.Transport, func(), error) {
			opts := transport.DefaultOptions()
			opts.URL = cfg.NATSURL
			conn, err := transport.Connect(opts)
			if err != nil {
				return nil, nil, err
			}
			return transport.NewNATSTransport(conn, nil, cfg.Issuer.DeliveryTimeout), conn.Close, nil
		},
	}
}

// SetupCLI registers the leaseflow commands and global flags on rootCmd.
func SetupCLI(rootCmd *cobra.Command, app *App) {
	rootCmd.PersistentFlags().StringVar(&app.cfgPath, "config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&app.dbURL, "db", "", "Database connection string (overrides config)")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (overrides config)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return app.init()
	}
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(
		app.serveCmd(),
		app.taskCmd(),
		app.assignCmd(),
		app.revokeCmd(),
		app.requeueCmd(),
		app.recoverCmd(),
		app.verifyCmd(),
	)
}

func (a *App) init() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.dbURL != "" {
		cfg.Database.URL = a.dbURL
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = log.New(cfg.LogLevel)

	// collectors are registered once per App
	if a.metrics == nil {
		var reg prometheus.Registerer
		if a.Registry != nil {
			reg = a.Registry
		}
		m, err := events.NewMetrics(reg)
		if err != nil {
			return errors.Wrap(err, "register metrics")
		}
		a.metrics = m
	}
	a.sink = a.metrics
	return nil
}

func (a *App) openStore() (storage.Store, error) {
	if a.cfg.Database.URL == "" {
		return nil, errors.New("--db flag, LEASEFLOW_DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	store, err := a.OpenStore(a.cfg.Database.URL)
	if err != nil {
		a.logger.Errorf("Failed to initialize store: %v", err)
		return nil, err
	}
	return store, nil
}

// services wires the lease services against store. transport and presence
// may be nil.
func (a *App) services(store storage.Store, tr service.Transport, presence service.Presence) *service.Services {
	deps := service.Deps{Store: store, Logger: a.logger, Clock: a.Clock, Events: a.sink}
	return service.New(deps, a.cfg.Services(), trust.NewLocalAuthority(a.Clock), tr, presence)
}

func (a *App) taskCmd() *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	var (
		id, key, taskType, payload, caps string
		priority, maxRetries             int
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a task through the duplicate admission gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.NewTask{
				ID:             id,
				IdempotencyKey: key,
				TaskType:       taskType,
				Priority:       priority,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if err := decodeJSONFlag("payload", payload, &req.Payload); err != nil {
				return err
			}
			if err := decodeJSONFlag("capabilities", caps, &req.RequiredCapabilities); err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			result, err := a.services(store, nil, nil).Admission.CreateTask(cmd.Context(), req)
			if err != nil {
				a.logger.Errorf("Failed to create task: %v", err)
				return err
			}
			return printYAML(cmd.OutOrStdout(), result)
		},
	}
	createCmd.Flags().StringVar(&id, "id", "", "Task id")
	createCmd.Flags().StringVar(&key, "key", "", "Idempotency key")
	createCmd.Flags().StringVar(&taskType, "type", "", "Task type")
	createCmd.Flags().StringVar(&payload, "payload", "", "Task payload as JSON")
	createCmd.Flags().StringVar(&caps, "capabilities", "", "Required capabilities as JSON")
	createCmd.Flags().IntVar(&priority, "priority", 0, "Task priority, higher first")
	createCmd.Flags().IntVar(&maxRetries, "max-retries", service.DefaultMaxRetries, "Maximum retries")
	_ = createCmd.MarkFlagRequired("id")
	_ = createCmd.MarkFlagRequired("key")

	taskCmd.AddCommand(createCmd)
	return taskCmd
}

// peersFile is the YAML document accepted by assign --peers.
type peersFile struct {
	Peers []struct {
		ID           string                 `yaml:"id"`
		Capabilities map[string]interface{} `yaml:"capabilities"`
	} `yaml:"peers"`
}

// loadPeers reads candidate peers from a YAML file.
func loadPeers(path string) ([]service.PeerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read peers file %s", path)
	}
	var f peersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse peers file %s", path)
	}
	peers := make([]service.PeerInfo, 0, len(f.Peers))
	for i, p := range f.Peers {
		if p.ID == "" {
			return nil, errors.Errorf("peer %d in %s has no id", i, path)
		}
		caps := models.Capabilities{}
		for k, v := range p.Capabilities {
			caps[k] = v
		}
		peers = append(peers, service.PeerInfo{PeerID: p.ID, Capabilities: caps})
	}
	return peers, nil
}

func (a *App) assignCmd() *cobra.Command {
	var peerIDs []string
	var peersPath, caps string
	cmd := &cobra.Command{
		Use:   "assign [task-id]",
		Short: "Lease a queued task to the first capable peer and deliver it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var peers []service.PeerInfo
			if peersPath != "" {
				loaded, err := loadPeers(peersPath)
				if err != nil {
					return err
				}
				peers = loaded
			}
			for _, id := range peerIDs {
				peers = append(peers, service.PeerInfo{PeerID: id, Capabilities: models.Capabilities{}})
			}
			if len(peers) == 0 {
				return errors.New("at least one --peer or a --peers file is required")
			}
			var required models.Capabilities
			if err := decodeJSONFlag("capabilities", caps, &required); err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			tr, closeTransport, err := a.OpenTransport(a.cfg)
			if err != nil {
				a.logger.Errorf("Failed to connect transport: %v", err)
				return err
			}
			defer closeTransport()

			result, err := a.services(store, tr, nil).Issuer.AssignTask(cmd.Context(), args[0], peers, required)
			if err != nil {
				a.logger.Errorf("Failed to assign task %s: %v", args[0], err)
				return err
			}
			return printYAML(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringSliceVar(&peerIDs, "peer", nil, "Candidate peer id without capabilities (repeatable)")
	cmd.Flags().StringVar(&peersPath, "peers", "", "YAML file listing candidate peers and their capabilities")
	cmd.Flags().StringVar(&caps, "capabilities", "", "Required capabilities as JSON, overriding the task's")
	return cmd
}

func (a *App) revokeCmd() *cobra.Command {
	var peerID, token, reason string
	var requeue, expired bool
	var batch int
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke leases held by a crashed peer, a single lease by token, or every expired lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, b := range []bool{peerID != "", token != "", expired} {
				if b {
					set++
				}
			}
			if set != 1 {
				return errors.New("exactly one of --peer, --token or --expired is required")
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			svc := a.services(store, nil, nil).Revocation
			ctx := cmd.Context()

			switch {
			case peerID != "":
				result, err := svc.RevokeLeasesOnCrash(ctx, peerID, reason, requeue, batch)
				if perr := printYAML(cmd.OutOrStdout(), result); perr != nil {
					return perr
				}
				return err
			case token != "":
				revoked, err := svc.RevokeLeaseByToken(ctx, token, reason)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), map[string]bool{"revoked": revoked})
			default:
				n, err := svc.RevokeExpiredLeases(ctx, batch)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), map[string]int{"revoked_count": n})
			}
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "Revoke every active lease held by this peer")
	cmd.Flags().StringVar(&token, "token", "", "Revoke the lease with this token")
	cmd.Flags().BoolVar(&expired, "expired", false, "Revoke every lease past its expiry")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Revocation reason")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "Requeue tasks right away (with --peer)")
	cmd.Flags().IntVar(&batch, "batch", service.DefaultBatchSize, "Leases per transaction")
	return cmd
}

func (a *App) requeueCmd() *cobra.Command {
	var expired bool
	var batch int
	cmd := &cobra.Command{
		Use:   "requeue [task-id]",
		Short: "Requeue a failed or expired task, or every requeueable task with --expired",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if expired == (len(args) == 1) {
				return errors.New("pass either a task id or --expired")
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			svc := a.services(store, nil, nil).Requeue

			if expired {
				n, err := svc.RequeueExpiredTasks(cmd.Context(), batch)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), map[string]int{"requeued_count": n})
			}
			requeued, err := svc.RequeueTask(cmd.Context(), args[0])
			if err != nil {
				a.logger.Errorf("Failed to requeue task %s: %v", args[0], err)
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]interface{}{"task_id": args[0], "requeued": requeued})
		},
	}
	cmd.Flags().BoolVar(&expired, "expired", false, "Requeue every expired task with retries left")
	cmd.Flags().IntVar(&batch, "batch", service.DefaultBatchSize, "Tasks per run")
	return cmd
}

func (a *App) recoverCmd() *cobra.Command {
	var peerID, taskID, failureType, reason, previous string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run a recovery for a peer or task failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.RecoveryRequest{
				PeerID:      peerID,
				TaskID:      taskID,
				FailureType: models.FailureType(failureType),
				Context: service.RecoveryContext{
					PreviousStatus: service.PeerStatus(previous),
					Reason:         reason,
				},
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := a.services(store, nil, nil).Recovery.OrchestrateRecovery(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "Failed peer id")
	cmd.Flags().StringVar(&taskID, "task", "", "Affected task id")
	cmd.Flags().StringVar(&failureType, "failure-type", "", "NODE_CRASH, PARTITION_HEALED, LEASE_EXPIRED or UNKNOWN (classified when empty)")
	cmd.Flags().StringVar(&reason, "reason", "", "Free-form reason recorded on the result")
	cmd.Flags().StringVar(&previous, "previous-status", "", "Peer status before the failure (online or offline)")
	return cmd
}

func (a *App) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [recovery-id]",
		Short: "Check a recovery's claims against the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := a.services(store, nil, nil).Recovery.VerifyRecovery(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printYAML(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Verified {
				return errors.Errorf("recovery %s failed verification with %d issues", args[0], len(report.Issues))
			}
			return nil
		},
	}
}

func decodeJSONFlag(name, raw string, v interface{}) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.Wrapf(err, "--%s is not valid JSON", name)
	}
	return nil
}

func printYAML(w io.Writer, v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode output")
	}
	_, err = fmt.Fprint(w, string(out))
	return err
}
