package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/utils"
)

const (
	// acme.sh 可能的位置
	DefaultAcmeShPath = "/usr/local/bin/acme.sh"
)

// AcmeOptions 描述如何调用 acme.sh
type AcmeOptions struct {
	AcmeShPath string
	// ConfigHome 保存ACME账户信息，证书和私钥不会写入这里
	ConfigHome  string
	Server      string
	Email       string
	DNSProvider string
	// Webroot 为空时HTTP验证使用 --standalone
	Webroot string
	Envs    map[string]string
	// TempDir 为每次签发创建的临时目录的父目录，默认使用系统临时目录
	TempDir string
}

// CommandRunner 执行外部命令并返回合并后的输出
type CommandRunner func(ctx context.Context, name string, args []string, env []string) ([]byte, error)

// AcmeService 通过 acme.sh 从证书颁发机构获取证书
type AcmeService struct {
	opts AcmeOptions
	run  CommandRunner
}

func NewAcmeService(opts AcmeOptions) *AcmeService {
	utils.DebugLog("创建ACME服务")
	if opts.AcmeShPath == "" {
		opts.AcmeShPath = DefaultAcmeShPath
	}
	return &AcmeService{opts: opts, run: runStreaming}
}

// WithRunner 替换命令执行器
func (a *AcmeService) WithRunner(r CommandRunner) *AcmeService {
	a.run = r
	return a
}

// Issue 为域名签发新证书，每次调用只执行一次 acme.sh
// 证书和私钥只在临时目录中短暂存在，函数返回前会被清除
func (a *AcmeService) Issue(ctx context.Context, domain string, method models.ValidationMethod) (*models.CertificateMaterial, error) {
	utils.InfoLog("为域名 %s 签发新证书，验证方式: %s", domain, method)

	args := []string{"--issue", "--force", "-d", domain}
	switch method {
	case models.ValidationDNS:
		if a.opts.DNSProvider == "" {
			return nil, fmt.Errorf("%w: no dns provider configured for %s", models.ErrValidationFailed, domain)
		}
		args = append(args, "--dns", a.opts.DNSProvider)
	case models.ValidationHTTP:
		if a.opts.Webroot != "" {
			args = append(args, "--webroot", a.opts.Webroot)
		} else {
			args = append(args, "--standalone")
		}
	default:
		return nil, fmt.Errorf("%w: unsupported validation method %q", models.ErrValidationFailed, method)
	}

	if a.opts.Server != "" {
		args = append(args, "--server", a.opts.Server)
	}
	// 添加email参数(如果提供)
	if a.opts.Email != "" {
		args = append(args, "--email", a.opts.Email)
		utils.DebugLog("使用邮箱: %s", a.opts.Email)
	}
	if a.opts.ConfigHome != "" {
		args = append(args, "--config-home", a.opts.ConfigHome)
	}

	// 设置环境变量
	var env []string
	for key, value := range a.opts.Envs {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
		utils.DebugLog("环境变量: %s=***", key) // 不打印实际值，保护隐私数据
	}

	workDir, err := os.MkdirTemp(a.opts.TempDir, "acme-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %v", err)
	}
	defer eraseDir(workDir)

	keyFile := filepath.Join(workDir, "key.pem")
	fullchainFile := filepath.Join(workDir, "fullchain.pem")
	args = append(args,
		"--cert-home", filepath.Join(workDir, "home"),
		"--cert-file", filepath.Join(workDir, "cert.pem"),
		"--key-file", keyFile,
		"--fullchain-file", fullchainFile,
	)

	utils.DebugLog("执行命令: %s %v", a.opts.AcmeShPath, args)
	output, err := a.run(ctx, a.opts.AcmeShPath, args, env)
	if err != nil {
		utils.ErrorLog("acme.sh 命令执行失败: %v", err)
		return nil, classifyAcmeError(ctx, output, err)
	}
	utils.InfoLog("acme.sh 命令执行成功")

	chain, err := os.ReadFile(fullchainFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read certificate file: %v", models.ErrValidationFailed, err)
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read key file: %v", models.ErrValidationFailed, err)
	}
	utils.DebugLog("成功读取证书文件，大小: %d 字节", len(chain))

	return &models.CertificateMaterial{Chain: chain, PrivateKey: key}, nil
}

var (
	rateLimitMarkers = []string{
		"ratelimited",
		"rate limit",
		"too many certificates",
		"too many failed authorizations",
		"too many new orders",
	}
	validationMarkers = []string{
		"verify error",
		"invalid status",
		"error add txt",
		"challenge error",
		"incorrect txt record",
		"dns problem",
		"unauthorized",
	}
	unreachableMarkers = []string{
		"could not get nonce",
		"can not init api",
		"can not get domain token",
		"connection refused",
		"could not resolve host",
		"failed to connect",
		"network is unreachable",
		"no route to host",
	}
)

// classifyAcmeError 根据 acme.sh 的输出判断失败原因
func classifyAcmeError(ctx context.Context, output []byte, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: acme.sh interrupted: %w", models.ErrTimeout, ctxErr)
	}

	text := strings.ToLower(string(output))
	contains := func(markers []string) bool {
		for _, m := range markers {
			if strings.Contains(text, m) {
				return true
			}
		}
		return false
	}

	switch {
	case contains(rateLimitMarkers):
		return fmt.Errorf("%w: %v", models.ErrRateLimited, err)
	case contains(validationMarkers):
		return fmt.Errorf("%w: %v", models.ErrValidationFailed, err)
	case contains(unreachableMarkers), errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", models.ErrAuthorityUnreachable, err)
	}
	return fmt.Errorf("%w: %v", models.ErrValidationFailed, err)
}

// eraseDir 先用零覆盖目录中的所有文件，再删除整个目录
func eraseDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return nil
		}
		_, _ = f.Write(make([]byte, info.Size()))
		_ = f.Close()
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		utils.ErrorLog("删除临时目录 %s 失败: %v", dir, err)
	}
}

// acmeWaitDelay 是 ctx 结束后等待 acme.sh 及其子进程释放输出管道的最长时间
const acmeWaitDelay = time.Second

// lockedBuffer 允许 stdout 和 stderr 两个 goroutine 同时写入
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// lineWriter 按行记录命令输出，每个实例只被一个 goroutine 写入
type lineWriter struct {
	out     *lockedBuffer
	prefix  string
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

func (w *lineWriter) emit(line string) {
	w.out.WriteLine(line)
	utils.DebugLog("%s: %s", w.prefix, line)
}

// runStreaming 执行命令并实时输出日志
// ctx 结束时杀死整个进程组，仍持有输出管道的子进程最多再等待 acmeWaitDelay
func runStreaming(ctx context.Context, name string, args []string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var output lockedBuffer
	stdout := &lineWriter{out: &output, prefix: "ACME输出"}
	stderr := &lineWriter{out: &output, prefix: "ACME错误"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = acmeWaitDelay
	killProcessGroupOnCancel(cmd)

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	return output.Bytes(), err
}
