package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/playfold/lobbyd/internal/auth/token"
	"github.com/playfold/lobbyd/internal/cli/common"
	"github.com/playfold/lobbyd/internal/directory"
	"github.com/playfold/lobbyd/internal/lobby"
	"github.com/playfold/lobbyd/internal/provision"
	httpserver "github.com/playfold/lobbyd/internal/server/http"
	"github.com/playfold/lobbyd/internal/telemetry"
)

var version = "dev"

func main() {
	var cfgFile string
	root := &cobra.Command{
		Use:   "lobbyd",
		Short: "Game lobby and matchmaking server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgFile)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
	})

	if err := root.Execute(); err != nil {
		slog.Error("exit", "error", err)
		os.Exit(1)
	}
}

func run(cfgFile string) error {
	v, err := common.Load(cfgFile)
	if err != nil {
		return err
	}
	common.SetupLoggerWithFile(
		v.GetString("log.level"),
		v.GetString("log.format"),
		v.GetString("log.file"),
		v.GetInt("log.max_size"),
		v.GetInt("log.max_backups"),
		v.GetInt("log.max_age"),
		v.GetBool("log.compress"),
	)
	if err := common.Validate(v); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        v.GetBool("telemetry.enabled"),
		ServiceName:    "lobbyd",
		ServiceVersion: version,
		Environment:    v.GetString("telemetry.environment"),
		CollectorURL:   v.GetString("telemetry.collector_url"),
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	cluster, err := clusterClient(v)
	if err != nil {
		return fmt.Errorf("cluster client: %w", err)
	}
	dynamo, err := dynamoClient(ctx, v)
	if err != nil {
		return fmt.Errorf("dynamo client: %w", err)
	}

	jwtMgr := token.NewManager(v.GetString("jwt.secret"))
	alloc := provision.NewAllocator(cluster, v.GetString("cluster.namespace"),
		v.GetInt("ports.low"), v.GetInt("ports.high"))
	launcher := provision.NewProvisioner(cluster, provision.Config{
		Namespace:    v.GetString("cluster.namespace"),
		Image:        v.GetString("cluster.image"),
		Host:         v.GetString("cluster.host"),
		Secret:       v.GetString("jwt.secret"),
		PollInterval: v.GetDuration("provision.interval"),
		PollAttempts: v.GetInt("provision.attempts"),
	})
	dir := directory.NewSyncer(dynamo, v.GetString("dynamo.table"))

	reg := lobby.NewRegistry(lobby.RegistryConfig{
		Verifier:  jwtMgr,
		Allocator: alloc,
		Launcher:  launcher,
		Directory: dir,
		Heartbeat: v.GetDuration("session.heartbeat"),
		Metrics:   tel.Lobby,
	})

	srv := httpserver.New(reg, jwtMgr)
	slog.Info("starting lobbyd", "version", version, "listen", v.GetString("listen"))
	return srv.Start(ctx, v.GetString("listen"))
}

// clusterClient prefers in-cluster credentials and falls back to a
// kubeconfig path for local runs.
func clusterClient(v *viper.Viper) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := v.GetString("cluster.kubeconfig")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, err
		}
	}
	return kubernetes.NewForConfig(cfg)
}

func dynamoClient(ctx context.Context, v *viper.Viper) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(v.GetString("dynamo.region")),
	}
	// static credentials are optional; the default chain covers IAM roles
	if ak := v.GetString("dynamo.access_key"); ak != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, v.GetString("dynamo.secret_key"), "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}
