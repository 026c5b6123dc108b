package models

// TargetStatus 记录某个目标最近一次运行的结果，不包含任何密钥数据
type TargetStatus struct {
	Domain        string `json:"domain" yaml:"domain"`
	Namespace     string `json:"namespace" yaml:"namespace"`
	SecretName    string `json:"secretName" yaml:"secretName"`
	Outcome       string `json:"outcome" yaml:"outcome"`
	Stage         string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Message       string `json:"message,omitempty" yaml:"message,omitempty"`
	SecretUpdated bool   `json:"secretUpdated,omitempty" yaml:"secretUpdated,omitempty"`
	DaysRemaining *int   `json:"daysRemaining,omitempty" yaml:"daysRemaining,omitempty"`
	ExpiresAt     string `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	LastRun       string `json:"lastRun" yaml:"lastRun"`
}

// StatusContext 用于持久化存储所有目标的状态，键为 namespace/secret
type StatusContext struct {
	Targets map[string]TargetStatus `json:"targets" yaml:"targets"`
}
