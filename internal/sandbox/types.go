package sandbox

import (
	"strings"
	"time"

	"provider/internal/config"
)

const (
	LabelManagedBy = "managed_by"
	ManagedByValue = "gpuflow-provider"
	LabelJobID     = "job_id"
)

type Config struct {
	Image       string
	Cmd         []string
	MountPath   string
	User        string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	Timeout     time.Duration
	MaxLogBytes int
}

// ConfigFrom converts the sandbox section of the agent configuration.
func ConfigFrom(c config.SandboxConfig) Config {
	return Config{
		Image:       c.Image,
		Cmd:         strings.Fields(c.Command),
		MountPath:   c.MountPath,
		User:        c.User,
		MemoryBytes: c.MemoryMB * 1024 * 1024,
		NanoCPUs:    int64(c.CPU * 1e9),
		PidsLimit:   c.PidsLimit,
		Timeout:     c.Timeout,
		MaxLogBytes: c.MaxLogBytes,
	}
}

// ContainerName 每次执行使用独立的容器名，不复用
func ContainerName(jobID, suffix string) string {
	return "gpuflow-job-" + sanitizeName(jobID) + "-" + suffix
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 48 {
			break
		}
	}
	return b.String()
}
