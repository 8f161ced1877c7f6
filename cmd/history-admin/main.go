// 本文件用于读数历史管理命令入口
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"sensor-gateway/internal/config"
	"sensor-gateway/internal/history"
	"sensor-gateway/internal/storage"
)

const (
	exitCodeOK       = 0
	exitCodeUsage    = 1
	exitCodeStoreErr = 2
	exitCodeDegraded = 3
)

type cliOptions struct {
	dataDir  string
	file     string
	backend  string
	capacity int
	action   string
	limit    int
	format   string
	strict   bool
}

type checkReport struct {
	Action   string `json:"action"`
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Location string `json:"location"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Reason   string `json:"reason,omitempty"`
}

type doctorReport struct {
	checkReport
	FileExists           bool   `json:"fileExists"`
	FileSizeBytes        int64  `json:"fileSizeBytes"`
	FileModTime          string `json:"fileModTime"`
	WriteFailureTotal    uint64 `json:"writeFailureTotal"`
	CorruptFallbackTotal uint64 `json:"corruptFallbackTotal"`
}

func main() {
	os.Exit(runWithArgs(os.Args[1:], os.Stdout, os.Stderr))
}

func runWithArgs(args []string, stdout io.Writer, stderr io.Writer) int {
	options, err := parseOptions(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "history-admin 参数错误: %v\n", err)
		return exitCodeUsage
	}
	code, err := execute(options, stdout)
	if err == nil {
		return code
	}
	fmt.Fprintf(stderr, "history-admin 执行失败: %v\n", err)
	return code
}

func parseOptions(args []string, stderr io.Writer) (cliOptions, error) {
	defaults := config.DefaultConfig()
	fs := flag.NewFlagSet("history-admin", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dataDir := fs.String("data-dir", defaults.DataDir, "网关数据目录")
	file := fs.String("file", defaults.HistoryFile, "历史文件名")
	backend := fs.String("backend", defaults.HistoryBackend, "历史存储类型：json|sqlite")
	capacity := fs.Int("capacity", defaults.HistoryCapacity, "历史保留条数上限")
	action := fs.String("action", "peek", "操作类型：peek|count|reset|check|doctor")
	limit := fs.Int("limit", 10, "peek 输出的最近条数，0 表示全部")
	format := fs.String("format", "text", "check/doctor 输出格式：text|json")
	strict := fs.Bool("strict", false, "降级时返回存储错误退出码")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "用法：history-admin -action <peek|count|reset|check|doctor> [-data-dir <dir>] [-file <name>] [-backend <json|sqlite>]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	options := cliOptions{
		dataDir:  strings.TrimSpace(*dataDir),
		file:     strings.TrimSpace(*file),
		backend:  strings.ToLower(strings.TrimSpace(*backend)),
		capacity: *capacity,
		action:   strings.ToLower(strings.TrimSpace(*action)),
		limit:    *limit,
		format:   strings.ToLower(strings.TrimSpace(*format)),
		strict:   *strict,
	}
	if options.file == "" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("-file 不能为空")
	}
	if options.capacity <= 0 {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("-capacity 必须大于0")
	}
	if options.limit < 0 {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("-limit 不能为负数")
	}
	if options.format != "text" && options.format != "json" {
		fs.Usage()
		return cliOptions{}, fmt.Errorf("不支持的 format: %s", options.format)
	}

	switch options.action {
	case "peek", "count", "reset", "check", "doctor":
		return options, nil
	default:
		fs.Usage()
		return cliOptions{}, fmt.Errorf("不支持的 action: %s", options.action)
	}
}

func openLog(options cliOptions) (history.Log, error) {
	store, err := storage.NewFileStore(options.dataDir)
	if err != nil {
		return nil, err
	}
	cfg := config.DefaultConfig()
	cfg.DataDir = options.dataDir
	cfg.HistoryFile = options.file
	cfg.HistoryBackend = options.backend
	cfg.HistoryCapacity = options.capacity
	return history.Open(cfg, store)
}

func execute(options cliOptions, stdout io.Writer) (int, error) {
	log, err := openLog(options)
	if err != nil {
		return exitCodeStoreErr, err
	}
	defer log.Close()

	switch options.action {
	case "peek":
		items, err := log.Recent(options.limit)
		if err != nil {
			return exitCodeStoreErr, err
		}
		fmt.Fprintf(stdout, "history size: %d\n", len(items))
		for index, item := range items {
			fmt.Fprintf(stdout, "%d. %s\n", index+1, string(item))
		}
		return exitCodeOK, nil
	case "count":
		size, err := log.Len()
		if err != nil {
			return exitCodeStoreErr, err
		}
		fmt.Fprintf(stdout, "history size: %d/%d\n", size, log.Capacity())
		return exitCodeOK, nil
	case "reset":
		if err := log.Reset(); err != nil {
			return exitCodeStoreErr, err
		}
		fmt.Fprintln(stdout, "history reset ok")
		return exitCodeOK, nil
	case "check":
		return handleCheck(log, options, stdout)
	case "doctor":
		return handleDoctor(log, options, stdout)
	default:
		return exitCodeUsage, fmt.Errorf("不支持的 action: %s", options.action)
	}
}

func buildCheckReport(log history.Log, action string) checkReport {
	stats := log.HealthStats()
	report := checkReport{
		Action:   action,
		Status:   "ok",
		Backend:  stats.Backend,
		Location: stats.Location,
		Capacity: stats.Capacity,
	}
	size, err := log.Len()
	if err != nil {
		report.Status = "degraded"
		report.Reason = fmt.Sprintf("历史文件无法解析: %v", err)
		return report
	}
	report.Size = size
	if degraded, reason := checkDegradedReason(stats); degraded {
		report.Status = "degraded"
		report.Reason = reason
	}
	return report
}

func handleCheck(log history.Log, options cliOptions, stdout io.Writer) (int, error) {
	report := buildCheckReport(log, "check")
	if options.format == "json" {
		if err := writeJSON(stdout, report); err != nil {
			return exitCodeStoreErr, err
		}
	} else if report.Status == "degraded" {
		fmt.Fprintf(stdout, "status=degraded size=%d backend=%s location=%s reason=%s\n", report.Size, report.Backend, report.Location, report.Reason)
	} else {
		fmt.Fprintf(stdout, "status=ok size=%d backend=%s location=%s\n", report.Size, report.Backend, report.Location)
	}
	return statusExitCode(report.Status, options.strict), nil
}

func handleDoctor(log history.Log, options cliOptions, stdout io.Writer) (int, error) {
	stats := log.HealthStats()
	report := doctorReport{
		checkReport:          buildCheckReport(log, "doctor"),
		FileModTime:          "-",
		WriteFailureTotal:    stats.WriteFailureTotal,
		CorruptFallbackTotal: stats.CorruptFallbackTotal,
	}
	if info, err := os.Stat(stats.Location); err == nil {
		report.FileExists = true
		report.FileSizeBytes = info.Size()
		report.FileModTime = info.ModTime().UTC().Format(time.RFC3339)
	} else if !os.IsNotExist(err) {
		return exitCodeStoreErr, fmt.Errorf("读取历史文件状态失败: %w", err)
	}

	if options.format == "json" {
		if err := writeJSON(stdout, report); err != nil {
			return exitCodeStoreErr, err
		}
		return statusExitCode(report.Status, options.strict), nil
	}
	fmt.Fprintln(stdout, "doctor report")
	fmt.Fprintf(stdout, "backend=%s\n", report.Backend)
	fmt.Fprintf(stdout, "location=%s\n", report.Location)
	fmt.Fprintf(stdout, "fileExists=%t\n", report.FileExists)
	fmt.Fprintf(stdout, "fileSizeBytes=%d\n", report.FileSizeBytes)
	fmt.Fprintf(stdout, "fileModTime=%s\n", report.FileModTime)
	fmt.Fprintf(stdout, "size=%d\n", report.Size)
	fmt.Fprintf(stdout, "capacity=%d\n", report.Capacity)
	fmt.Fprintf(stdout, "writeFailureTotal=%d\n", report.WriteFailureTotal)
	fmt.Fprintf(stdout, "corruptFallbackTotal=%d\n", report.CorruptFallbackTotal)
	fmt.Fprintf(stdout, "status=%s\n", report.Status)
	if report.Reason != "" {
		fmt.Fprintf(stdout, "reason=%s\n", report.Reason)
	}
	return statusExitCode(report.Status, options.strict), nil
}

func checkDegradedReason(stats history.HealthStats) (bool, string) {
	if stats.CorruptFallbackTotal > 0 {
		return true, "检测到历史文件损坏降级"
	}
	if stats.WriteFailureTotal > 0 {
		return true, "检测到历史写入失败"
	}
	return false, ""
}

// statusExitCode strict 模式下降级视为存储错误
func statusExitCode(status string, strict bool) int {
	if status != "degraded" {
		return exitCodeOK
	}
	if strict {
		return exitCodeStoreErr
	}
	return exitCodeDegraded
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
