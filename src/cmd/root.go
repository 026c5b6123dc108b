// Package cmd 定义 cert-reconciler 的命令行入口
package cmd

import (
	"flag"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"me.sttot/cert-reconciler/src/utils"
)

// Name 是程序名称，同时用作 Lease 和字段管理器的前缀
const Name = "cert-reconciler"

// NewRootCommand 创建根命令，--kubeconfig 由 controller-runtime 注册在 flag.CommandLine 中
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           Name,
		Short:         "Renew TLS certificates stored in Kubernetes Secrets and restart the workloads using them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			utils.InitLogger()
		},
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newRunCommand())
	root.AddCommand(newRenewCommand())
	root.AddCommand(newInspectCommand())
	return root
}

// clientsetFactory 在测试中被替换为 fake 客户端
var clientsetFactory = newClientset

func newClientset() (kubernetes.Interface, error) {
	cfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("无法获取 Kubernetes 配置: %w", err)
	}
	utils.DebugLog("成功获取Kubernetes配置")

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("无法创建 Kubernetes 客户端: %w", err)
	}
	utils.DebugLog("成功创建Kubernetes客户端")
	return clientset, nil
}
