// 本文件用于将读数历史快照归档到 OSS
package oss

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	sdk "github.com/aliyun/aliyun-oss-go-sdk/oss"

	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/models"
)

// ObjectPutter Bucket 的上传能力子集
type ObjectPutter interface {
	PutObject(objectKey string, reader io.Reader, options ...sdk.Option) error
}

// ArchiveResult 一次归档的结果
type ArchiveResult struct {
	Key     string `json:"key"`
	Entries int    `json:"entries"`
	Bytes   int    `json:"bytes"`
	ETag    string `json:"etag"`
}

// Archiver 把历史快照整体上传为一个 JSON 对象
type Archiver struct {
	bucket   ObjectPutter
	prefix   string
	hostName string
	now      func() time.Time
}

// NewArchiver 根据配置创建 OSS 归档器
func NewArchiver(config *models.Config) (*Archiver, error) {
	logger.Info("初始化OSS客户端...")
	endpoint, err := normalizeOSSEndpoint(config.ArchiveEndpoint, config.DisableSSL)
	if err != nil {
		return nil, err
	}
	client, err := sdk.New(endpoint, config.ArchiveAK, config.ArchiveSK)
	if err != nil {
		return nil, fmt.Errorf("创建OSS客户端失败: %w", err)
	}
	bucket, err := client.Bucket(config.ArchiveBucket)
	if err != nil {
		return nil, fmt.Errorf("获取OSS Bucket失败: %w", err)
	}
	logger.Info("OSS客户端初始化成功")
	return NewArchiverWithBucket(bucket, config.ArchivePrefix), nil
}

// NewArchiverWithBucket 使用给定的 Bucket 创建归档器
func NewArchiverWithBucket(bucket ObjectPutter, prefix string) *Archiver {
	return &Archiver{
		bucket:   bucket,
		prefix:   prefix,
		hostName: normalizeHostName(),
		now:      time.Now,
	}
}

// Archive 上传快照并校验 ETag
func (a *Archiver) Archive(ctx context.Context, entries []json.RawMessage) (ArchiveResult, error) {
	if a == nil || a.bucket == nil {
		return ArchiveResult{}, fmt.Errorf("OSS Bucket未初始化")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return ArchiveResult{}, err
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("序列化历史快照失败: %w", err)
	}

	objectKey := a.buildObjectKey(a.now())
	sum := md5.Sum(data)
	localMD5 := hex.EncodeToString(sum[:])
	reader := &contextReader{ctx: ctx, reader: bytes.NewReader(data)}
	var responseHeader http.Header
	err = a.bucket.PutObject(
		objectKey,
		reader,
		sdk.ContentLength(int64(len(data))),
		sdk.ContentType("application/json"),
		sdk.GetResponseHeader(&responseHeader),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ArchiveResult{}, ctx.Err()
		}
		return ArchiveResult{}, fmt.Errorf("OSS上传失败: %w", err)
	}

	remoteETag := normalizeETag(responseHeader.Get("ETag"))
	if remoteETag == "" {
		logger.Warn("OSS未返回ETag，跳过校验: %s", objectKey)
	} else if !isETagMatch(localMD5, remoteETag) {
		return ArchiveResult{}, fmt.Errorf("OSS ETag校验失败: local=%s remote=%s", localMD5, remoteETag)
	}
	logger.Info("历史快照归档完成: %s (%d 条)", objectKey, len(entries))
	return ArchiveResult{Key: objectKey, Entries: len(entries), Bytes: len(data), ETag: localMD5}, nil
}

func normalizeETag(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.Trim(trimmed, "\"")
	return strings.ToLower(trimmed)
}

func isValidMD5Hex(value string) bool {
	if len(value) != 32 {
		return false
	}
	for _, ch := range value {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		default:
			return false
		}
	}
	return true
}

func isETagMatch(localMD5Hex, remoteETag string) bool {
	local := normalizeETag(localMD5Hex)
	remote := normalizeETag(remoteETag)
	if !isValidMD5Hex(local) || !isValidMD5Hex(remote) {
		return false
	}
	return local == remote
}

// buildObjectKey 形如 <prefix><host>/20260102-030405.json
func (a *Archiver) buildObjectKey(at time.Time) string {
	prefix := strings.TrimLeft(strings.TrimSpace(a.prefix), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	hostName := strings.Trim(strings.TrimSpace(a.hostName), "/")
	if hostName == "" {
		hostName = "unknown-host"
	}
	return prefix + hostName + "/" + at.UTC().Format("20060102-150405") + ".json"
}

// normalizeOSSEndpoint 用于统一 OSS Endpoint 格式
func normalizeOSSEndpoint(endpoint string, disableSSL bool) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", fmt.Errorf("OSS Endpoint不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return trimmed, nil
	}
	parsed, err = url.Parse("//" + trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("无效的 OSS Endpoint: %s", endpoint)
	}
	scheme := "https"
	if disableSSL {
		scheme = "http"
	}
	return scheme + "://" + parsed.Host + strings.TrimSuffix(parsed.Path, "/"), nil
}

// contextReader 让上传过程响应上下文取消
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}

func normalizeHostName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	host = strings.TrimSpace(host)
	host = strings.ReplaceAll(host, "/", "-")
	host = strings.ReplaceAll(host, "\\", "-")
	if host == "" {
		return "unknown-host"
	}
	return host
}
