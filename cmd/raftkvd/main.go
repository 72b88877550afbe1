// Command raftkvd runs one peer of a raftkv cluster: the Raft
// coordinator, its TCP peer transport, and the client-facing gRPC
// front end, wired together from a YAML configuration file. Adapted
// from the teacher's cmd/warren root command: persistent log flags,
// cobra.OnInitialize for logging setup, and a `cluster init`/`cluster
// join`/`serve` split in place of warren's manager/worker split.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/cuemby/raftkv/pkg/clientapi"
	"github.com/cuemby/raftkv/pkg/config"
	"github.com/cuemby/raftkv/pkg/coordinator"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/log"
	"github.com/cuemby/raftkv/pkg/metrics"
	"github.com/cuemby/raftkv/pkg/security"
	"github.com/cuemby/raftkv/pkg/store"
	"github.com/cuemby/raftkv/pkg/transport"
	"github.com/cuemby/raftkv/pkg/txn"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "raftkvd",
	Short:   "raftkvd runs a peer of a strongly-consistent, Raft-replicated key/value store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("raftkvd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(serveCmd)

	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterCmd.AddCommand(clusterStatusCmd)
	clusterCmd.AddCommand(clusterTLSInitCmd)

	clusterInitCmd.Flags().String("config", "raftkv.yaml", "Path to write the generated configuration")
	clusterInitCmd.Flags().String("self", "", "This node's identity (required)")
	clusterInitCmd.Flags().String("self-address", "", "This node's Raft address, host:port (required)")
	clusterInitCmd.Flags().String("data-dir", "./raftkv-data", "Data directory for log, snapshots and store")
	clusterInitCmd.MarkFlagRequired("self")
	clusterInitCmd.MarkFlagRequired("self-address")

	clusterJoinCmd.Flags().String("config", "raftkv.yaml", "Path to write the generated configuration")
	clusterJoinCmd.Flags().String("self", "", "This node's identity (required)")
	clusterJoinCmd.Flags().String("self-address", "", "This node's Raft address, host:port (required)")
	clusterJoinCmd.Flags().String("data-dir", "./raftkv-data", "Data directory for log, snapshots and store")
	clusterJoinCmd.Flags().String("leader", "", "An existing member's identity=address to join through (required)")
	clusterJoinCmd.Flags().Bool("yes", false, "Skip the interactive confirmation prompt")
	clusterJoinCmd.MarkFlagRequired("self")
	clusterJoinCmd.MarkFlagRequired("self-address")
	clusterJoinCmd.MarkFlagRequired("leader")

	clusterStatusCmd.Flags().String("client-address", "127.0.0.1:7421", "A peer's client-facing address")

	clusterTLSInitCmd.Flags().String("ca-dir", "./raftkv-data/ca", "Directory holding (or to receive) the cluster's root CA")
	clusterTLSInitCmd.Flags().String("cert-dir", "./raftkv-data/certs", "Directory to write this peer's issued certificate to")
	clusterTLSInitCmd.Flags().String("identity", "", "Peer identity the certificate is issued for (required)")
	clusterTLSInitCmd.Flags().StringSlice("dns", nil, "Additional DNS names for the certificate")
	clusterTLSInitCmd.MarkFlagRequired("identity")

	serveCmd.Flags().String("config", "raftkv.yaml", "Path to the cluster configuration file")
	serveCmd.Flags().Bool("tls", false, "Require mTLS on the client-facing endpoint")
	serveCmd.Flags().String("cert-dir", "./raftkv-data/certs", "Directory holding this peer's certificate and CA cert (with --tls)")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Generate and inspect cluster configuration",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a fresh single-node cluster configuration",
	Long: `Write a configuration file that bootstraps a brand new cluster
consisting of this node alone. Additional peers join it with
'raftkvd cluster join'; 'raftkvd serve' then starts the peer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		self, _ := cmd.Flags().GetString("self")
		selfAddr, _ := cmd.Flags().GetString("self-address")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		path, _ := cmd.Flags().GetString("config")

		f := config.Defaults()
		f.Self = self
		f.SelfAddress = selfAddr
		f.DataDir = dataDir
		if err := f.Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s for a single-node cluster (self=%s).\n", path, self)
		fmt.Printf("Run 'raftkvd serve --config %s' to start it.\n", path)
		return nil
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Write a configuration joining this node to an existing cluster",
	Long: `Write a configuration file listing an existing member as this
node's sole initial peer. The joining node still needs a
configuration-change transaction submitted against the existing
leader (see pkg/clientapi) to actually be added to its membership
before 'raftkvd serve' will reach quorum.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		self, _ := cmd.Flags().GetString("self")
		selfAddr, _ := cmd.Flags().GetString("self-address")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		path, _ := cmd.Flags().GetString("config")
		leader, _ := cmd.Flags().GetString("leader")
		skipConfirm, _ := cmd.Flags().GetBool("yes")

		leaderID, leaderAddr, err := parseIdentityAddress(leader)
		if err != nil {
			return fmt.Errorf("--leader: %w", err)
		}

		if !skipConfirm {
			confirmed := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("Join cluster through %s (%s) as %q?", leaderID, leaderAddr, self),
				Default: true,
			}
			if err := survey.AskOne(prompt, &confirmed); err != nil {
				return fmt.Errorf("cluster join: %w", err)
			}
			if !confirmed {
				fmt.Println("Aborted.")
				return nil
			}
		}

		f := config.Defaults()
		f.Self = self
		f.SelfAddress = selfAddr
		f.DataDir = dataDir
		f.Peers = []config.Peer{{Identity: string(leaderID), Address: string(leaderAddr)}}
		if err := f.Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s. Submit a config-change transaction against %s to admit %q, then run 'raftkvd serve --config %s'.\n", path, leaderAddr, self, path)
		return nil
	},
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe a running peer's client endpoint with a read-only transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("client-address")
		c, err := clientapi.Dial(addr)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", addr, err)
		}
		defer c.Close()

		resp, err := clientapi.NewBuilder(txn.Linearizable).Commit(cmd.Context(), c)
		if err != nil {
			return fmt.Errorf("probing %s: %w", addr, err)
		}
		if resp.Error != "" {
			fmt.Printf("%s: %s\n", addr, resp.Error)
			return nil
		}
		fmt.Printf("%s: reachable (commit term=%d index=%d)\n", addr, resp.CommitTerm, resp.CommitIndex)
		return nil
	},
}

var clusterTLSInitCmd = &cobra.Command{
	Use:   "tls-init",
	Short: "Issue a peer certificate, generating the cluster root CA on first use",
	Long: `Load the cluster root CA from --ca-dir, generating and saving a new
one if none exists yet, then issue and save a certificate for
--identity into --cert-dir. Run this once per peer with a copy of the
same --ca-dir (the CA's PEM files must be distributed out of band; the
root private key never travels over the wire) before passing --tls to
'raftkvd serve'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		caDir, _ := cmd.Flags().GetString("ca-dir")
		certDir, _ := cmd.Flags().GetString("cert-dir")
		identity, _ := cmd.Flags().GetString("identity")
		dnsNames, _ := cmd.Flags().GetStringSlice("dns")

		ca := security.NewCertAuthority()
		if err := ca.LoadFromFile(caDir); err != nil {
			if err := ca.Initialize(); err != nil {
				return fmt.Errorf("initializing CA: %w", err)
			}
			if err := ca.SaveToFile(caDir); err != nil {
				return fmt.Errorf("saving CA to %s: %w", caDir, err)
			}
			fmt.Printf("✓ Generated new cluster root CA in %s\n", caDir)
		}

		cert, err := ca.IssueNodeCertificate(identity, "peer", dnsNames, nil)
		if err != nil {
			return fmt.Errorf("issuing certificate: %w", err)
		}
		if err := security.SaveCertToFile(cert, certDir); err != nil {
			return fmt.Errorf("saving certificate to %s: %w", certDir, err)
		}
		if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
			return fmt.Errorf("saving CA certificate to %s: %w", certDir, err)
		}
		fmt.Printf("✓ Issued certificate for %q in %s\n", identity, certDir)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this peer: Raft coordinator, peer transport, and client gRPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		f, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		cfg, err := f.CoordinatorConfig()
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}

		if err := os.MkdirAll(f.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}

		st := store.NewBoltStore(f.DataDir)
		network, err := transport.NewTCPNetwork(string(f.SelfAddress))
		if err != nil {
			return fmt.Errorf("binding raft transport: %w", err)
		}

		coord, err := coordinator.New(cfg, st, network)
		if err != nil {
			return fmt.Errorf("constructing coordinator: %w", err)
		}
		if err := coord.Start(); err != nil {
			return fmt.Errorf("starting coordinator: %w", err)
		}
		fmt.Printf("✓ Raft peer %s listening on %s\n", f.Self, f.SelfAddress)

		useTLS, _ := cmd.Flags().GetBool("tls")
		var clientSrv *clientapi.Server
		if useTLS {
			certDir, _ := cmd.Flags().GetString("cert-dir")
			tlsCfg, err := loadTLSConfig(certDir)
			if err != nil {
				return fmt.Errorf("loading TLS material: %w", err)
			}
			clientSrv = clientapi.NewTLSServer(coord, f.CommitTimeout(), tlsCfg)
		} else {
			clientSrv = clientapi.NewServer(coord, f.CommitTimeout())
		}
		errCh := make(chan error, 1)
		go func() {
			if err := clientSrv.Start(f.ClientAddress); err != nil {
				errCh <- fmt.Errorf("client endpoint: %w", err)
			}
		}()
		fmt.Printf("✓ Client endpoint listening on %s\n", f.ClientAddress)

		metrics.SetVersion(Version)
		metrics.RegisterComponent("coordinator", true, "running")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(f.MetricsAddress, mux); err != nil {
				log.Error("metrics server exited: %v", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", f.MetricsAddress)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		clientSrv.Stop()
		if err := coord.Stop(); err != nil {
			return fmt.Errorf("stopping coordinator: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// loadTLSConfig reads this peer's issued certificate and the root CA
// certificate alongside it, both written earlier by 'raftkvd cluster
// tls-init' into certDir, into clientapi's TLSConfig.
func loadTLSConfig(certDir string) (clientapi.TLSConfig, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return clientapi.TLSConfig{}, fmt.Errorf("loading certificate from %s: %w", certDir, err)
	}
	rootCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return clientapi.TLSConfig{}, fmt.Errorf("loading CA certificate from %s: %w", certDir, err)
	}
	return clientapi.TLSConfig{Cert: *cert, RootCA: rootCert}, nil
}

// parseIdentityAddress splits an "identity=address" flag value, the
// form 'cluster join --leader' takes for naming a peer.
func parseIdentityAddress(s string) (kv.Identity, kv.Address, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return kv.Identity(s[:i]), kv.Address(s[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("expected identity=address, got %q", s)
}
