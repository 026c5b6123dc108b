package services

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math"
	"time"

	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/utils"
)

// ExpiryService 解析证书有效期并计算剩余天数
type ExpiryService struct{}

func NewExpiryService() *ExpiryService {
	return &ExpiryService{}
}

// Inspect 返回证书链中第一个证书（叶子证书）的到期时间
func (es *ExpiryService) Inspect(chain []byte) (time.Time, error) {
	rest := chain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			utils.DebugLog("证书数据中没有找到PEM格式证书")
			return time.Time{}, fmt.Errorf("%w: no PEM certificate block found", models.ErrParse)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			utils.DebugLog("解析X.509证书失败: %v", err)
			return time.Time{}, fmt.Errorf("%w: parse certificate: %v", models.ErrParse, err)
		}

		utils.DebugLog("证书有效期至 %s", cert.NotAfter.Format("2006-01-02 15:04:05"))
		return cert.NotAfter, nil
	}
}

// DaysRemaining 以整天为单位向下取整，已过期的证书返回负数
func (es *ExpiryService) DaysRemaining(notAfter, now time.Time) int {
	return int(math.Floor(notAfter.Sub(now).Hours() / 24))
}

// VerifyPair 检查证书链与私钥是否匹配
func (es *ExpiryService) VerifyPair(m *models.CertificateMaterial) error {
	if m == nil || len(m.Chain) == 0 || len(m.PrivateKey) == 0 {
		return fmt.Errorf("%w: certificate or key data is empty", models.ErrParse)
	}
	if _, err := tls.X509KeyPair(m.Chain, m.PrivateKey); err != nil {
		return fmt.Errorf("%w: certificate and private key do not match: %v", models.ErrParse, err)
	}
	return nil
}
