package sysinfo

// Overview 表示网关主机概览
type Overview struct {
	Host        string `json:"host"`
	OS          string `json:"os"`
	Kernel      string `json:"kernel"`
	Uptime      string `json:"uptime"`
	Load        string `json:"load"`
	IP          string `json:"ip"`
	LastUpdated string `json:"lastUpdated"`
}

// ResourceGauge 表示资源仪表盘中的单项指标
type ResourceGauge struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	UsedPct    float64 `json:"usedPct"`
	UsedLabel  string  `json:"usedLabel"`
	TotalLabel string  `json:"totalLabel"`
	SubLabel   string  `json:"subLabel"`
	Tone       string  `json:"tone,omitempty"`
}

// GatewayProcess 网关自身进程的资源占用
type GatewayProcess struct {
	PID        int32   `json:"pid"`
	CPU        float64 `json:"cpu"`
	RSS        string  `json:"rss"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

// SystemDashboard 聚合系统资源面板所需数据
type SystemDashboard struct {
	SystemOverview Overview        `json:"systemOverview"`
	SystemGauges   []ResourceGauge `json:"systemGauges"`
	Process        GatewayProcess  `json:"process"`
}
