package services

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/utils/certtest"
)

// argValue 返回参数列表中 flag 之后的值
func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestAcmeService_IssueDNS(t *testing.T) {
	tmp := t.TempDir()
	material := certtest.Generate(t, "example.com", time.Now().Add(90*24*time.Hour))

	var gotArgs, gotEnv []string
	var workFiles []string
	svc := NewAcmeService(AcmeOptions{
		AcmeShPath:  "acme.sh",
		Server:      "letsencrypt",
		Email:       "ops@example.com",
		DNSProvider: "dns_cf",
		Envs:        map[string]string{"CF_Token": "secret"},
		TempDir:     tmp,
	}).WithRunner(func(ctx context.Context, name string, args, env []string) ([]byte, error) {
		gotArgs, gotEnv = args, env
		chain, key := argValue(args, "--fullchain-file"), argValue(args, "--key-file")
		workFiles = append(workFiles, chain, key)
		require.NoError(t, os.WriteFile(chain, material.Chain, 0o600))
		require.NoError(t, os.WriteFile(key, material.PrivateKey, 0o600))
		return []byte("Cert success."), nil
	})

	got, err := svc.Issue(context.Background(), "example.com", models.ValidationDNS)
	require.NoError(t, err)
	assert.Equal(t, material.Chain, got.Chain)
	assert.Equal(t, material.PrivateKey, got.PrivateKey)

	assert.Subset(t, gotArgs, []string{"--issue", "--force", "-d", "example.com", "--dns", "dns_cf", "--server", "letsencrypt", "--email", "ops@example.com"})
	assert.Equal(t, []string{"CF_Token=secret"}, gotEnv)
	assert.NotEmpty(t, argValue(gotArgs, "--cert-home"))

	// 临时目录中的证书和私钥已被删除
	for _, f := range workFiles {
		_, err := os.Stat(f)
		assert.True(t, os.IsNotExist(err), "expected %s to be removed", f)
	}
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcmeService_IssueHTTP(t *testing.T) {
	tests := map[string]struct {
		webroot string
		want    []string
	}{
		"webroot":    {webroot: "/var/www", want: []string{"--webroot", "/var/www"}},
		"standalone": {want: []string{"--standalone"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var gotArgs []string
			svc := NewAcmeService(AcmeOptions{Webroot: tt.webroot, TempDir: t.TempDir()}).
				WithRunner(func(ctx context.Context, name string, args, env []string) ([]byte, error) {
					gotArgs = args
					return nil, errors.New("exit status 1")
				})
			_, err := svc.Issue(context.Background(), "example.com", models.ValidationHTTP)
			require.Error(t, err)
			assert.Subset(t, gotArgs, tt.want)
			assert.NotContains(t, gotArgs, "--dns")
		})
	}
}

func TestAcmeService_IssueErrors(t *testing.T) {
	tests := map[string]struct {
		output  string
		err     error
		cancel  bool
		wantErr error
	}{
		"rate limited": {
			output:  `"type":"urn:ietf:params:acme:error:rateLimited","detail":"too many certificates already issued"`,
			err:     errors.New("exit status 1"),
			wantErr: models.ErrRateLimited,
		},
		"validation failed": {
			output:  "example.com:Verify error:DNS problem: NXDOMAIN looking up TXT",
			err:     errors.New("exit status 1"),
			wantErr: models.ErrValidationFailed,
		},
		"authority unreachable": {
			output:  "Could not get nonce, let's try again.",
			err:     errors.New("exit status 1"),
			wantErr: models.ErrAuthorityUnreachable,
		},
		"binary missing": {
			err:     &exec.Error{Name: "acme.sh", Err: exec.ErrNotFound},
			wantErr: models.ErrAuthorityUnreachable,
		},
		"unknown failure": {
			output:  "something odd",
			err:     errors.New("exit status 2"),
			wantErr: models.ErrValidationFailed,
		},
		"cancelled": {
			err:     errors.New("signal: killed"),
			cancel:  true,
			wantErr: models.ErrTimeout,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tmp := t.TempDir()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			svc := NewAcmeService(AcmeOptions{DNSProvider: "dns_cf", TempDir: tmp}).
				WithRunner(func(ctx context.Context, name string, args, env []string) ([]byte, error) {
					// 模拟失败前已写出部分私钥
					_ = os.WriteFile(argValue(args, "--key-file"), []byte("partial"), 0o600)
					if tt.cancel {
						cancel()
					}
					return []byte(tt.output), tt.err
				})

			got, err := svc.Issue(ctx, "example.com", models.ValidationDNS)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, tt.wantErr)

			entries, readErr := os.ReadDir(tmp)
			require.NoError(t, readErr)
			assert.Empty(t, entries, "temp material must be erased on failure")
		})
	}
}

func TestAcmeService_MissingDNSProvider(t *testing.T) {
	called := false
	svc := NewAcmeService(AcmeOptions{}).WithRunner(func(ctx context.Context, name string, args, env []string) ([]byte, error) {
		called = true
		return nil, nil
	})
	_, err := svc.Issue(context.Background(), "example.com", models.ValidationDNS)
	assert.ErrorIs(t, err, models.ErrValidationFailed)
	assert.False(t, called)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "acme.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRunStreaming_CapturesOutput(t *testing.T) {
	script := writeScript(t, "echo first; echo second >&2; printf tail")

	out, err := runStreaming(context.Background(), script, nil, []string{"EXTRA=1"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "first\n")
	assert.Contains(t, string(out), "second\n")
	assert.Contains(t, string(out), "tail\n")
}

func TestAcmeService_IssueStopsAtDeadline(t *testing.T) {
	tests := map[string]string{
		"foreground child":              "echo verifying; sleep 5",
		"background child holding pipe": "echo verifying; (sleep 5; echo late) & sleep 5",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			svc := NewAcmeService(AcmeOptions{
				AcmeShPath:  writeScript(t, body),
				DNSProvider: "dns_cf",
				TempDir:     t.TempDir(),
			})

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			start := time.Now()
			_, err := svc.Issue(ctx, "example.com", models.ValidationDNS)

			assert.ErrorIs(t, err, models.ErrTimeout)
			assert.Less(t, time.Since(start), acmeWaitDelay+time.Second)
		})
	}
}
