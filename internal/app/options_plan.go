package app

import (
	"fmt"
	"strings"

	"torrentcore/internal/domain"
)

const (
	minPort = 1
	maxPort = 65535
)

// PlanEngineOptions maps runtime configuration onto native engine options.
// It never fails: values the engine cannot take are clamped or dropped and
// reported as warnings.
func PlanEngineOptions(cfg RuntimeConfig) (domain.NativeOptions, []string) {
	var (
		opts     domain.NativeOptions
		warnings []string
	)
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	if cfg.ListenPort >= minPort && cfg.ListenPort <= maxPort {
		opts.ListenPort = cfg.ListenPort
		opts.HasListenPort = true
	} else {
		warn("listen_port %d is outside %d-%d; listening port left unset", cfg.ListenPort, minPort, maxPort)
	}

	opts.MaxActive = positiveOrUnlimited(int64(cfg.MaxActive), "max_active", warn)
	opts.DownloadRateLimit = positiveOrUnlimited(cfg.DownloadRateLimit, "download_rate_limit", warn)
	opts.UploadRateLimit = positiveOrUnlimited(cfg.UploadRateLimit, "upload_rate_limit", warn)

	if root := strings.TrimSpace(cfg.DownloadRoot); root != "" {
		opts.DownloadRoot = root
		opts.HasDownloadRoot = true
	} else {
		warn("download_root is empty; engine default applies")
	}
	if dir := strings.TrimSpace(cfg.ResumeDir); dir != "" {
		opts.ResumeDir = dir
		opts.HasResumeDir = true
	} else {
		warn("resume_dir is empty; engine default applies")
	}

	opts.DHT = boolOr(cfg.DHT, true)
	opts.PEX = boolOr(cfg.PEX, true)

	switch policy := domain.EncryptionPolicy(strings.ToLower(strings.TrimSpace(cfg.Encryption))); policy {
	case domain.EncryptionPrefer, domain.EncryptionRequire, domain.EncryptionDisable:
		opts.Encryption = policy
	case "":
		opts.Encryption = domain.EncryptionPrefer
	default:
		opts.Encryption = domain.EncryptionPrefer
		warn("encryption %q is not one of prefer, require or disable; using prefer", cfg.Encryption)
	}

	opts.Tracker = planTracker(cfg.Tracker)
	opts.Proxy = planProxy(cfg.Proxy)
	return opts, warnings
}

func positiveOrUnlimited(value int64, name string, warn func(string, ...any)) int64 {
	if value > 0 {
		return value
	}
	warn("%s %d is not positive; treating as unlimited", name, value)
	return domain.Unlimited
}

func planTracker(cfg TrackerConfig) domain.NativeTrackerOptions {
	var out domain.NativeTrackerOptions
	out.UserAgent, out.HasUserAgent = deref(cfg.UserAgent)
	out.AnnounceIP, out.HasAnnounceIP = deref(cfg.AnnounceIP)
	for _, tr := range cfg.Default {
		if tr = strings.TrimSpace(tr); tr != "" {
			out.DefaultTrackers = append(out.DefaultTrackers, tr)
		}
	}
	out.ReplaceTrackers = cfg.Replace
	return out
}

func planProxy(cfg ProxyConfig) domain.NativeProxyOptions {
	var out domain.NativeProxyOptions
	out.Type, out.HasType = deref(cfg.Type)
	out.Host, out.HasHost = deref(cfg.Host)
	out.Port, out.HasPort = deref(cfg.Port)
	out.Username, out.HasUsername = deref(cfg.Username)
	out.Password, out.HasPassword = deref(cfg.Password)
	out.ProxyPeers = cfg.ProxyPeers
	return out
}

func deref[T any](v *T) (T, bool) {
	if v == nil {
		var zero T
		return zero, false
	}
	return *v, true
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
