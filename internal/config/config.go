package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds scanner settings. Load from env (STREAMSCAN_*) and/or a .env
// file; subcommand flags override individual fields.
type Config struct {
	// Paths
	OutputDir    string // root for middle/ and final row files
	CacheDir     string // fingerprint archives + total cache
	FakeLibPath  string // known-fake fingerprint library JSON
	ScanLogPath  string // sqlite scan-history DB; "" = disabled
	ChunkDir     string // per-shard fingerprint chunk JSONs

	// Reachability prober (fast scan)
	FastConcurrency int
	FastTimeout     time.Duration
	FastRetries     int
	FastBackoffBase time.Duration
	FastRateLimit   float64 // requests/second admitted globally; 0 = unlimited
	PerSiteLimit    int     // max in-flight probes per registrable domain; 0 = no per-site cap

	// Media introspection (deep scan)
	DeepConcurrency int
	DeepTimeout     time.Duration

	// Temporal integrity (PTS check)
	PTSFrames    int
	PTSTimeout   time.Duration
	PTSMinCount  int
	PTSTolerance int

	// Fingerprint engine
	HashConcurrency int
	HashTimeout     time.Duration
	HashRetries     int
	Timepoints      []int // capture offsets in seconds

	// Matcher
	SimilarityThreshold float64
	DHashMaxDistance    int // absolute-bits variant of "near identical"

	// Cache retention
	BucketCap      int // archive buckets kept per URL
	CacheWindowDays int // total-cache rolling date window

	// External tools
	FFprobeBin string
	FFmpegBin  string

	// Observability
	MetricsAddr string // optional /metrics listener during run; "" = disabled
}

// Load reads config from environment. Call LoadEnvFile(".env") first to use
// a .env file.
func Load() *Config {
	c := &Config{
		OutputDir:           getEnv("STREAMSCAN_OUTPUT_DIR", "output"),
		CacheDir:            getEnv("STREAMSCAN_CACHE_DIR", "output/cache"),
		FakeLibPath:         getEnv("STREAMSCAN_FAKE_LIB", "output/cache/fake_library.json"),
		ScanLogPath:         os.Getenv("STREAMSCAN_SCANLOG_DB"),
		ChunkDir:            getEnv("STREAMSCAN_CHUNK_DIR", "output/hash/chunk"),
		FastConcurrency:     getEnvInt("STREAMSCAN_FAST_CONCURRENCY", 100),
		FastTimeout:         getEnvDuration("STREAMSCAN_FAST_TIMEOUT", 8*time.Second),
		FastRetries:         getEnvInt("STREAMSCAN_FAST_RETRIES", 2),
		FastBackoffBase:     getEnvDuration("STREAMSCAN_FAST_BACKOFF", 200*time.Millisecond),
		FastRateLimit:       getEnvFloat("STREAMSCAN_FAST_RATE", 0),
		PerSiteLimit:        getEnvInt("STREAMSCAN_PER_SITE_LIMIT", 8),
		DeepConcurrency:     getEnvInt("STREAMSCAN_DEEP_CONCURRENCY", 30),
		DeepTimeout:         getEnvDuration("STREAMSCAN_DEEP_TIMEOUT", 20*time.Second),
		PTSFrames:           getEnvInt("STREAMSCAN_PTS_FRAMES", 30),
		PTSTimeout:          getEnvDuration("STREAMSCAN_PTS_TIMEOUT", 15*time.Second),
		PTSMinCount:         getEnvInt("STREAMSCAN_PTS_MIN_COUNT", 5),
		PTSTolerance:        getEnvInt("STREAMSCAN_PTS_TOLERANCE", 1),
		HashConcurrency:     getEnvInt("STREAMSCAN_HASH_CONCURRENCY", 6),
		HashTimeout:         getEnvDuration("STREAMSCAN_HASH_TIMEOUT", 15*time.Second),
		HashRetries:         getEnvInt("STREAMSCAN_HASH_RETRIES", 2),
		Timepoints:          getEnvInts("STREAMSCAN_TIMEPOINTS", []int{1, 5, 10}),
		SimilarityThreshold: getEnvFloat("STREAMSCAN_SIMILARITY_THRESHOLD", 0.95),
		DHashMaxDistance:    getEnvInt("STREAMSCAN_DHASH_MAX_DISTANCE", 5),
		BucketCap:           getEnvInt("STREAMSCAN_BUCKET_CAP", 6),
		CacheWindowDays:     getEnvInt("STREAMSCAN_CACHE_WINDOW_DAYS", 3),
		FFprobeBin:          getEnv("STREAMSCAN_FFPROBE", "ffprobe"),
		FFmpegBin:           getEnv("STREAMSCAN_FFMPEG", "ffmpeg"),
		MetricsAddr:         os.Getenv("STREAMSCAN_METRICS_ADDR"),
	}
	if c.FastConcurrency <= 0 {
		c.FastConcurrency = 100
	}
	if c.DeepConcurrency <= 0 {
		c.DeepConcurrency = 30
	}
	if c.HashConcurrency <= 0 {
		c.HashConcurrency = 6
	}
	if c.BucketCap <= 0 {
		c.BucketCap = 6
	}
	if c.CacheWindowDays <= 0 {
		c.CacheWindowDays = 3
	}
	if len(c.Timepoints) == 0 {
		c.Timepoints = []int{1, 5, 10}
	}
	return c
}

// LoadEnvFile reads path and sets environment variables for each "KEY=value"
// line. Skips blanks and # comments; a missing file is not an error.
func LoadEnvFile(path string) error {
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		os.Setenv(key, unquoteEnv(value))
	}
	return sc.Err()
}

func unquoteEnv(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvInts parses a comma-separated list of integers, e.g. "2,5,20".
func getEnvInts(key string, defaultVal []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []int
	for _, p := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return defaultVal
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
