package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"

	"me.sttot/cert-reconciler/src/config"
	"me.sttot/cert-reconciler/src/controllers"
	"me.sttot/cert-reconciler/src/services"
	"me.sttot/cert-reconciler/src/utils"
)

type runOptions struct {
	configFile  string
	concurrency int
}

func newRunCommand() *cobra.Command {
	o := &runOptions{concurrency: 4}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Periodically reconcile every configured target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd.Context())
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

func (o *runOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.configFile, "config", o.configFile, "Path to a local target file. When empty the targets are read from the config Secret.")
	flags.IntVar(&o.concurrency, "concurrency", o.concurrency, "Maximum number of targets reconciled at the same time.")
}

// newController 组装续签所需的服务，run 和 renew --all 共用
func newController(cfg *config.Config, clientset kubernetes.Interface, configFile string, concurrency int) *controllers.CertificateController {
	store := services.NewSecretService(clientset, cfg.ReplaceStrategy)
	reloader := services.NewRolloutService(clientset)
	locker := services.NewLeaseLocker(clientset, cfg.Identity, cfg.LeaseDuration, utils.NewKeyedLock())
	status := services.NewStatusService(clientset, cfg.ConfigSecretNamespace, cfg.StatusConfigMapName)
	utils.DebugLog("服务初始化完成")

	load := func(ctx context.Context) ([]config.Target, error) {
		if configFile != "" {
			return config.LoadFile(configFile, cfg.RenewalWindowDays)
		}
		return config.LoadSecret(ctx, clientset, cfg)
	}
	newSource := func(t config.Target) controllers.CertificateSource {
		return services.NewAcmeService(t.AcmeOptions(cfg.AcmeShPath, cfg.AcmeConfigHome))
	}

	return controllers.NewCertificateController(load, newSource, store, reloader, controllers.ControllerOptions{
		CheckInterval:      cfg.CheckInterval,
		RunTimeout:         cfg.RunTimeout,
		RolloutTimeout:     cfg.RolloutTimeout,
		Concurrency:        concurrency,
		RateLimitBaseDelay: cfg.RateLimitBaseDelay,
		RateLimitMaxDelay:  cfg.RateLimitMaxDelay,
		Status:             status,
		Reconciler: []controllers.Option{
			controllers.WithLocker(locker),
			controllers.WithRenewUnparseable(cfg.RenewUnparseable),
		},
	})
}

func (o *runOptions) run(ctx context.Context) error {
	utils.InfoLog("启动 %s 服务...", Name)
	cfg := config.FromEnv()

	clientset, err := clientsetFactory()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := newMetricsServer(cfg.MetricsAddr)
	go func() {
		utils.InfoLog("指标服务监听于 %s", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.ErrorLog("指标服务异常退出: %v", err)
		}
	}()

	controller := newController(cfg, clientset, o.configFile, o.concurrency)
	utils.DebugLog("正在启动证书控制器...")
	if err := controller.Start(ctx); err != nil {
		return err
	}
	utils.DebugLog("证书控制器已成功启动")

	<-ctx.Done()
	utils.InfoLog("收到退出信号，正在停止服务...")
	controller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.WarningLog("关闭指标服务失败: %v", err)
	}
	utils.InfoLog("服务已停止")
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
