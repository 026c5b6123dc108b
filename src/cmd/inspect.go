package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"

	"me.sttot/cert-reconciler/src/config"
	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/services"
	"me.sttot/cert-reconciler/src/utils"
)

type inspectOptions struct {
	namespace string
	secret    string
	file      string
}

func newInspectCommand() *cobra.Command {
	o := &inspectOptions{namespace: "default"}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the expiry of a certificate stored in a Secret or a PEM file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.namespace, "namespace", o.namespace, "Namespace of the Secret.")
	flags.StringVar(&o.secret, "secret", "", "Name of the TLS Secret.")
	flags.StringVar(&o.file, "file", "", "Path to a PEM encoded certificate chain. Takes precedence over --secret.")
	return cmd
}

func (o *inspectOptions) run(cmd *cobra.Command) error {
	var (
		chain     []byte
		clientset kubernetes.Interface
	)
	switch {
	case o.file != "":
		data, err := os.ReadFile(o.file)
		if err != nil {
			return fmt.Errorf("读取证书文件失败: %w", err)
		}
		chain = data
	case o.secret != "":
		var err error
		clientset, err = clientsetFactory()
		if err != nil {
			return err
		}
		record, err := services.NewSecretService(clientset, services.StrategyUpdate).Get(cmd.Context(), o.namespace, o.secret)
		if err != nil {
			return err
		}
		defer record.Material.Wipe()
		chain = record.Material.Chain
	default:
		return fmt.Errorf("%w: one of --secret or --file is required", models.ErrInvalidTarget)
	}

	es := services.NewExpiryService()
	notAfter, err := es.Inspect(chain)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "notAfter: %s\ndaysRemaining: %d\n",
		notAfter.UTC().Format(time.RFC3339), es.DaysRemaining(notAfter, time.Now()))

	if clientset != nil {
		o.printLastRun(cmd, clientset)
	}
	return nil
}

// printLastRun 输出守护进程记录的最近一次运行结果，读取失败不影响证书检查的结果
func (o *inspectOptions) printLastRun(cmd *cobra.Command, clientset kubernetes.Interface) {
	cfg := config.FromEnv()
	statusContext, err := services.NewStatusService(clientset, cfg.ConfigSecretNamespace, cfg.StatusConfigMapName).Load(cmd.Context())
	if err != nil {
		utils.WarningLog("读取运行状态失败: %v", err)
		return
	}
	entry, ok := statusContext.Targets[models.SecretRef{Namespace: o.namespace, Name: o.secret}.Key()]
	if !ok {
		return
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "lastRun: %s\nlastOutcome: %s\n", entry.LastRun, entry.Outcome)
	if entry.Stage != "" {
		fmt.Fprintf(out, "failedStage: %s\nsecretUpdated: %t\n", entry.Stage, entry.SecretUpdated)
	}
	if entry.Message != "" {
		fmt.Fprintf(out, "message: %s\n", entry.Message)
	}
}
