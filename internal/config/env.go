package config

import (
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ApplyEnv overrides configuration values from the environment. Each setting
// accepts a VDM_ prefixed name and the older unprefixed name; the prefixed one
// wins when both are set.
//
//	VDM_DEBUG
//	VDM_RUN_DIR, VDM_LOG_DIR
//	VDM_ENABLE_MAPS_WS / ENABLE_MAPS_WS
//	VDM_MAPS_WS_HOST / MAPS_WS_HOST, VDM_MAPS_WS_PORT / MAPS_WS_PORT
//	VDM_MAPS_RING / MAPS_RING
//	VDM_MAPS_FPS / MAPS_FPS
//	VDM_WS_MAX_CONN / WS_MAX_CONN
//	VDM_WS_ALLOW_ORIGIN / WS_ALLOW_ORIGIN
//	VDM_<EVENTS|UTD|LOG>_MAX_MB, _MAX_LINES, _ARCHIVE_SEGMENT_MB, _ARCHIVE_SEGMENT_LINES
//	VDM_LOG_ROLL_CHECK_EVERY
//	VDM_LOG_COMPRESS_SEGMENTS
//
// Malformed values are logged and ignored.
func (cfg *Config) ApplyEnv() {
	if cfg == nil {
		return
	}
	if v, ok := lookupEnv("VDM_DEBUG"); ok {
		setBool(&cfg.Debug, "VDM_DEBUG", v)
	}
	if v, ok := lookupEnv("VDM_RUN_DIR"); ok {
		cfg.RunDir = v
	}
	if v, ok := lookupEnv("VDM_LOG_DIR"); ok {
		cfg.LogDir = v
	}

	b := &cfg.Broadcast
	if name, v, ok := lookupEnvAlias("ENABLE_MAPS_WS"); ok {
		setBool(&b.Enabled, name, v)
	}
	if _, v, ok := lookupEnvAlias("MAPS_WS_HOST"); ok {
		b.Host = v
	}
	if name, v, ok := lookupEnvAlias("MAPS_WS_PORT"); ok {
		setInt(&b.Port, name, v)
	}
	if name, v, ok := lookupEnvAlias("MAPS_RING"); ok {
		setInt(&cfg.Ring.Capacity, name, v)
	}
	if name, v, ok := lookupEnvAlias("MAPS_FPS"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			b.FPS = f
		} else {
			log.Warnf("ignoring %s=%q: %v", name, v, err)
		}
	}
	if name, v, ok := lookupEnvAlias("WS_MAX_CONN"); ok {
		setInt(&b.MaxConnections, name, v)
	}
	if _, v, ok := lookupEnvAlias("WS_ALLOW_ORIGIN"); ok {
		b.AllowOrigins = []string{v}
	}

	applyCapsEnv("EVENTS", &cfg.Logs.Events)
	applyCapsEnv("UTD", &cfg.Logs.UTD)
	applyCapsEnv("LOG", &cfg.Logs.Log)
	if v, ok := lookupEnv("VDM_LOG_ROLL_CHECK_EVERY"); ok {
		setInt(&cfg.Logs.CheckEvery, "VDM_LOG_ROLL_CHECK_EVERY", v)
	}
	if v, ok := lookupEnv("VDM_LOG_COMPRESS_SEGMENTS"); ok {
		setBool(&cfg.Logs.CompressSegments, "VDM_LOG_COMPRESS_SEGMENTS", v)
	}
}

func applyCapsEnv(category string, caps *StreamCaps) {
	prefix := "VDM_" + category + "_"
	if v, ok := lookupEnv(prefix + "MAX_MB"); ok {
		setInt64(&caps.MaxMB, prefix+"MAX_MB", v)
	}
	if v, ok := lookupEnv(prefix + "MAX_LINES"); ok {
		setInt(&caps.MaxLines, prefix+"MAX_LINES", v)
	}
	if v, ok := lookupEnv(prefix + "ARCHIVE_SEGMENT_MB"); ok {
		setInt64(&caps.SegmentMB, prefix+"ARCHIVE_SEGMENT_MB", v)
	}
	if v, ok := lookupEnv(prefix + "ARCHIVE_SEGMENT_LINES"); ok {
		setInt(&caps.SegmentLines, prefix+"ARCHIVE_SEGMENT_LINES", v)
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// lookupEnvAlias checks VDM_<name> and then <name>.
func lookupEnvAlias(name string) (string, string, bool) {
	if v, ok := lookupEnv("VDM_" + name); ok {
		return "VDM_" + name, v, true
	}
	if v, ok := lookupEnv(name); ok {
		return name, v, true
	}
	return "", "", false
}

func setBool(dst *bool, name, v string) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on", "y", "t":
		*dst = true
	case "0", "false", "no", "off", "n", "f":
		*dst = false
	default:
		log.Warnf("ignoring %s=%q: not a boolean", name, v)
	}
}

func setInt(dst *int, name, v string) {
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("ignoring %s=%q: %v", name, v, err)
		return
	}
	*dst = n
}

func setInt64(dst *int64, name, v string) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warnf("ignoring %s=%q: %v", name, v, err)
		return
	}
	*dst = n
}
