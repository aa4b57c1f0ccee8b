package domain

// Unlimited marks a count or rate with no cap.
const Unlimited int64 = -1

type EncryptionPolicy string

const (
	EncryptionPrefer  EncryptionPolicy = "prefer"
	EncryptionRequire EncryptionPolicy = "require"
	EncryptionDisable EncryptionPolicy = "disable"
)

// NativeOptions is the engine-facing configuration produced from runtime
// settings. Has* flags separate "not set" from "set to the zero value".
type NativeOptions struct {
	ListenPort    int  `json:"listenPort"`
	HasListenPort bool `json:"hasListenPort"`

	MaxActive         int64 `json:"maxActive"`
	DownloadRateLimit int64 `json:"downloadRateLimit"`
	UploadRateLimit   int64 `json:"uploadRateLimit"`

	DownloadRoot    string `json:"downloadRoot"`
	HasDownloadRoot bool   `json:"hasDownloadRoot"`
	ResumeDir       string `json:"resumeDir"`
	HasResumeDir    bool   `json:"hasResumeDir"`

	DHT        bool             `json:"dht"`
	PEX        bool             `json:"pex"`
	Encryption EncryptionPolicy `json:"encryption"`

	Tracker NativeTrackerOptions `json:"tracker"`
	Proxy   NativeProxyOptions   `json:"proxy"`
}

type NativeTrackerOptions struct {
	UserAgent       string   `json:"userAgent"`
	HasUserAgent    bool     `json:"hasUserAgent"`
	AnnounceIP      string   `json:"announceIp"`
	HasAnnounceIP   bool     `json:"hasAnnounceIp"`
	DefaultTrackers []string `json:"defaultTrackers,omitempty"`
	ReplaceTrackers bool     `json:"replaceTrackers"`
}

type NativeProxyOptions struct {
	Type        string `json:"type"`
	HasType     bool   `json:"hasType"`
	Host        string `json:"host"`
	HasHost     bool   `json:"hasHost"`
	Port        int    `json:"port"`
	HasPort     bool   `json:"hasPort"`
	Username    string `json:"username"`
	HasUsername bool   `json:"hasUsername"`
	Password    string `json:"-"`
	HasPassword bool   `json:"hasPassword"`
	ProxyPeers  bool   `json:"proxyPeers"`
}

// EngineSettings is what the engine reports it is running with.
type EngineSettings struct {
	Options       NativeOptions `json:"options"`
	ListenAddr    string        `json:"listenAddr,omitempty"`
	ActiveCount   int           `json:"activeCount"`
	TorrentCount  int           `json:"torrentCount"`
	GlobalLimits  Limits        `json:"globalLimits"`
	RestartNeeded []string      `json:"restartNeeded,omitempty"`
}
