package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"me.sttot/cert-reconciler/src/config"
	"me.sttot/cert-reconciler/src/controllers"
	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/services"
	"me.sttot/cert-reconciler/src/utils"
)

type renewOptions struct {
	target         config.Target
	windowDays     int
	timeout        time.Duration
	rolloutTimeout time.Duration

	all        bool
	configFile string
}

func newRenewCommand() *cobra.Command {
	o := &renewOptions{windowDays: 30, rolloutTimeout: controllers.DefaultRolloutTimeout}
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Run a single renewal for one target, or for all configured targets with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.all {
				return o.runAll(cmd.Context())
			}
			return o.run(cmd)
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

func (o *renewOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.target.Domain, "domain", "", "Domain the certificate is issued for.")
	flags.StringVar(&o.target.Namespace, "namespace", "default", "Namespace of the Secret and the Deployment.")
	flags.StringVar(&o.target.Secret, "secret", "", "Name of the TLS Secret.")
	flags.StringVar(&o.target.Deployment, "deployment", "", "Name of the Deployment restarted after the Secret is replaced.")
	flags.StringVar(&o.target.Validation, "validation", "dns", "Domain validation method: dns or http.")
	flags.StringVar(&o.target.DNSProvider, "dns", "", "acme.sh DNS provider, for example dns_cf.")
	flags.StringVar(&o.target.Webroot, "webroot", "", "Webroot for http validation. Standalone mode is used when empty.")
	flags.StringVar(&o.target.Server, "server", "", "ACME server passed to acme.sh.")
	flags.StringVar(&o.target.Email, "email", "", "Account email passed to acme.sh.")
	flags.IntVar(&o.windowDays, "renewal-window-days", o.windowDays, "Renew when the certificate has at most this many days left. Defaults to RENEWAL_WINDOW_DAYS.")
	flags.DurationVar(&o.timeout, "timeout", o.timeout, "Deadline for the whole run. Zero means no deadline.")
	flags.DurationVar(&o.rolloutTimeout, "rollout-timeout", o.rolloutTimeout, "How long to wait for the restarted Deployment to become ready.")
	flags.BoolVar(&o.all, "all", false, "Reconcile every configured target once instead of a single target.")
	flags.StringVar(&o.configFile, "config", "", "Path to a local target file used with --all.")
}

func (o *renewOptions) run(cmd *cobra.Command) error {
	cfg := config.FromEnv()
	window := o.windowDays
	if !cmd.Flags().Changed("renewal-window-days") {
		window = cfg.RenewalWindowDays
	}
	o.target.RenewalWindowDays = &window

	method, err := o.target.Method()
	if err != nil {
		return err
	}
	clientset, err := clientsetFactory()
	if err != nil {
		return err
	}

	rc := controllers.NewRenewalReconciler(
		services.NewAcmeService(o.target.AcmeOptions(cfg.AcmeShPath, cfg.AcmeConfigHome)),
		services.NewSecretService(clientset, cfg.ReplaceStrategy),
		services.NewRolloutService(clientset),
		controllers.WithLocker(services.NewLeaseLocker(clientset, cfg.Identity, cfg.LeaseDuration, utils.NewKeyedLock())),
		controllers.WithRenewUnparseable(cfg.RenewUnparseable),
	)
	outcome := rc.Reconcile(cmd.Context(), controllers.RenewalRequest{
		Target:         o.target.RenewalTarget(),
		Method:         method,
		Timeout:        o.timeout,
		RolloutTimeout: o.rolloutTimeout,
	})

	fmt.Fprintln(cmd.OutOrStdout(), outcome.String())
	if outcome.Kind == models.OutcomeFailed {
		return outcome.Err()
	}
	return nil
}

func (o *renewOptions) runAll(ctx context.Context) error {
	cfg := config.FromEnv()
	clientset, err := clientsetFactory()
	if err != nil {
		return err
	}
	return newController(cfg, clientset, o.configFile, 0).ProcessAllTargets(ctx)
}
