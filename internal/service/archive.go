package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dvrmonitorpro/dvrmonitorpro/internal/config"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/logger"
)

// ArchiveWriter 巡检报告写入器
type ArchiveWriter interface {
	Write(ctx context.Context, meta ArchiveMeta, content []byte, contentType string) (StoredObject, error)
}

// ArchiveMeta 归档元数据
type ArchiveMeta struct {
	CycleID      string
	DateYYYYMMDD string
	TimeHHMMSS   string
	Filename     string
	Backend      string // local|minio
}

// StoredObject 已写入对象的描述
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

// NewArchiveWriter 根据配置创建写入器，MinIO不可用时回退本地
func NewArchiveWriter(cfg *config.Config) ArchiveWriter {
	dw := &DelegatingArchiveWriter{cfg: cfg, local: &LocalArchiveWriter{cfg: cfg}}
	dw.minio = initMinioWriter(cfg)
	return dw
}

// DelegatingArchiveWriter 按后端路由写入
type DelegatingArchiveWriter struct {
	cfg   *config.Config
	local *LocalArchiveWriter
	minio *MinioArchiveWriter
}

func (w *DelegatingArchiveWriter) Write(ctx context.Context, meta ArchiveMeta, content []byte, contentType string) (StoredObject, error) {
	backend := strings.ToLower(strings.TrimSpace(meta.Backend))
	if backend == "minio" {
		if w.minio == nil {
			// MinIO 未初始化：记录预警并回退到本地
			logger.Warn("MinIO backend selected but client not initialized; falling back to local")
			obj, lerr := w.local.Write(ctx, meta, content, contentType)
			if lerr != nil {
				return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", lerr)
			}
			return obj, fmt.Errorf("minio client not initialized; wrote to local instead")
		}
		obj, err := w.minio.Write(ctx, meta, content, contentType)
		if err != nil {
			// 失败则记录预警并回退到本地
			logger.Warn("MinIO write failed; falling back to local", "error", err)
			objLocal, lerr := w.local.Write(ctx, meta, content, contentType)
			if lerr != nil {
				return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
			}
			return objLocal, fmt.Errorf("minio write failed: %w; fell back to local successfully", err)
		}
		return obj, nil
	}
	// 默认走本地
	return w.local.Write(ctx, meta, content, contentType)
}

// LocalArchiveWriter 本地文件写入
type LocalArchiveWriter struct {
	cfg *config.Config
}

func (w *LocalArchiveWriter) Write(ctx context.Context, meta ArchiveMeta, content []byte, contentType string) (StoredObject, error) {
	baseDir := strings.TrimSpace(w.cfg.Archive.Local.BaseDir)
	if baseDir == "" {
		baseDir = "./data/archive"
	}

	// 层级：baseDir / archive.prefix / date_time / cycleID
	parts := []string{baseDir}
	if p := strings.TrimSpace(w.cfg.Archive.Prefix); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, archiveDirName(meta))
	dirPath := filepath.Join(parts...)

	if w.cfg.Archive.Local.MkdirIfMissing {
		if err := os.MkdirAll(dirPath, 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}

	fullPath := filepath.Join(dirPath, archiveFilename(meta))
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}

	sum := sha256.Sum256(content)
	return StoredObject{
		URI:         "file://" + fullPath,
		Size:        int64(len(content)),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		ContentType: defaultContentType(contentType),
	}, nil
}

// MinioArchiveWriter MinIO对象存储写入
type MinioArchiveWriter struct {
	cfg           *config.Config
	client        *minio.Client
	endpoint      string
	bucketEnsured bool
}

// initMinioWriter 初始化MinIO写入器，配置不全或连接失败时返回nil
func initMinioWriter(cfg *config.Config) *MinioArchiveWriter {
	host := strings.TrimSpace(cfg.Archive.Minio.Host)
	port := cfg.Archive.Minio.Port
	if host == "" || port <= 0 {
		if strings.EqualFold(cfg.Archive.StorageBackend, "minio") {
			logger.Warn("MinIO configuration incomplete; host/port missing")
		}
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, port)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.Archive.Minio.AccessKey, cfg.Archive.Minio.SecretKey, ""),
		Secure:    cfg.Archive.Minio.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.Error("MinIO client initialization failed", "error", err)
		return nil
	}

	w := &MinioArchiveWriter{cfg: cfg, client: client, endpoint: endpoint}

	bucket := strings.TrimSpace(cfg.Archive.Minio.Bucket)
	if bucket == "" {
		logger.Warn("MinIO bucket not configured")
		return w
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.ensureBucket(ctx, bucket, 2); err != nil {
		logger.Warn("MinIO bucket ensure at init failed", "error", err)
	} else {
		w.bucketEnsured = true
	}
	return w
}

// Write 将巡检报告写入MinIO
func (w *MinioArchiveWriter) Write(ctx context.Context, meta ArchiveMeta, content []byte, contentType string) (StoredObject, error) {
	if w == nil || w.client == nil {
		return StoredObject{}, fmt.Errorf("minio client not initialized")
	}
	bucket := strings.TrimSpace(w.cfg.Archive.Minio.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}

	parts := []string{}
	if p := strings.TrimSpace(w.cfg.Archive.Prefix); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, archiveDirName(meta))
	objectName := path.Join(strings.Join(parts, "/"), archiveFilename(meta))

	ct := defaultContentType(contentType)

	// 写入前快速连通性探测，失败尽早返回明确错误
	if err := w.fastConnectivityCheck(ctx); err != nil {
		return StoredObject{}, fmt.Errorf("minio connectivity failed to %s: %w", w.endpoint, err)
	}

	if !w.bucketEnsured {
		if err := w.ensureBucket(ctx, bucket, 3); err != nil {
			return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
		}
		w.bucketEnsured = true
	}

	// 带退避的有限重试
	var lastErr error
	attempts := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := 0; i < len(attempts); i++ {
		r := bytes.NewReader(content)
		attemptCtx, cancel := attemptContext(ctx, attempts[i])
		_, err := w.client.PutObject(attemptCtx, bucket, objectName, r, int64(len(content)), minio.PutObjectOptions{ContentType: ct})
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		time.Sleep(attempts[i])
	}
	if lastErr != nil {
		return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}

	sum := sha256.Sum256(content)
	return StoredObject{
		URI:         "minio://" + path.Join(bucket, objectName),
		Size:        int64(len(content)),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		ContentType: ct,
	}, nil
}

// fastConnectivityCheck 使用TCP直连做快速连通性校验
func (w *MinioArchiveWriter) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", w.endpoint)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// ensureBucket 校验并创建bucket，支持有限重试
func (w *MinioArchiveWriter) ensureBucket(parent context.Context, bucket string, retries int) error {
	var lastErr error
	for i := 0; i <= retries; i++ {
		ctx, cancel := attemptContext(parent, 10*time.Second)
		exists, err := w.client.BucketExists(ctx, bucket)
		cancel()
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		if exists {
			return nil
		}
		ctx2, cancel2 := attemptContext(parent, 10*time.Second)
		mkErr := w.client.MakeBucket(ctx2, bucket, minio.MakeBucketOptions{})
		cancel2()
		if mkErr != nil {
			lastErr = mkErr
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("bucket ensure failed for %s", bucket)
}

// attemptContext 构造限时上下文，尊重父上下文的剩余截止时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		remain := time.Until(deadline)
		if remain > time.Second && prefer < remain {
			return context.WithTimeout(parent, prefer)
		}
		if remain > time.Second {
			return context.WithTimeout(parent, remain-time.Second)
		}
		return context.WithTimeout(parent, time.Second)
	}
	return context.WithTimeout(parent, prefer)
}

func archiveDirName(meta ArchiveMeta) string {
	datePart := strings.TrimSpace(meta.DateYYYYMMDD)
	if datePart == "" {
		datePart = time.Now().Format("20060102")
	}
	timePart := strings.TrimSpace(meta.TimeHHMMSS)
	if timePart == "" {
		timePart = time.Now().Format("150405")
	}
	dir := fmt.Sprintf("%s_%s", datePart, timePart)
	if cid := slug(meta.CycleID); cid != "unknown" {
		dir = filepath.Join(dir, cid)
	}
	return dir
}

func archiveFilename(meta ArchiveMeta) string {
	base := slug(meta.Filename)
	if !strings.Contains(base, ".") {
		base += ".json"
	}
	return base
}

func defaultContentType(ct string) string {
	if ct != "" {
		return ct
	}
	return "application/json; charset=utf-8"
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = slugRe.ReplaceAllString(s, "")
	if s == "" {
		s = "unknown"
	}
	return s
}
