package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// JanitorConfig 工作目录清理配置
type JanitorConfig struct {
	Interval time.Duration // 清理循环间隔
	MaxAge   time.Duration // 超过此时间且带归属标记的 job_* 目录视为遗留
}

// Janitor 定期清理崩溃或 WORKSPACE_KEEP 遗留下来的工作目录
type Janitor struct {
	root   string
	config JanitorConfig
	logger *slog.Logger
	stopCh chan struct{}
	now    func() time.Time
}

func NewJanitor(root string, config JanitorConfig, logger *slog.Logger) *Janitor {
	if root == "" {
		root = DefaultRoot()
	}
	return &Janitor{
		root:   root,
		config: config,
		logger: logger.With("component", "workspace-janitor"),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start 启动清理循环（阻塞，应在 goroutine 中调用）
func (j *Janitor) Start() {
	if j.config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("Workspace janitor started",
		"root", j.root,
		"interval", j.config.Interval,
		"max_age", j.config.MaxAge,
	)

	for {
		select {
		case <-j.stopCh:
			j.logger.Info("Workspace janitor stopped")
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Stop 停止清理循环
func (j *Janitor) Stop() {
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
}

// Sweep removes stale job directories this agent created and returns how many
// were removed. Directories without an owner marker are never touched.
func (j *Janitor) Sweep() int {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		j.logger.Error("Failed to list workspace root", "root", j.root, "error", err)
		return 0
	}

	cutoff := j.now().Add(-j.config.MaxAge)
	cleaned := 0

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		dir := filepath.Join(j.root, entry.Name())
		if _, err := os.Stat(dir + ownerSuffix); err != nil {
			continue
		}
		j.logger.Warn("Removing stale workspace",
			"dir", dir,
			"modified_at", info.ModTime(),
		)
		if err := removeOwned(dir); err != nil {
			j.logger.Error("Failed to remove stale workspace", "dir", dir, "error", err)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		j.logger.Info("Workspace cleanup completed", "cleaned", cleaned)
	}
	return cleaned
}
