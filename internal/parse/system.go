package parse

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	mountRe     = regexp.MustCompile(`^(\S+) on (\S+) type (\S+) \(([^)]*)\)`)
	whitespace  = regexp.MustCompile(`\s+`)
	icVersionRe = regexp.MustCompile(`(?i)version[:：]\s*([^,\s]+)`)
	buildInfoRe = regexp.MustCompile(`(?i)build info\s+(\w+)\s*(.+)`)
)

// WifiAP holds the access point settings read from a hostapd config.
type WifiAP struct {
	SSID        string `json:"ap_name,omitempty"`
	Passphrase  string `json:"ap_password,omitempty"`
	ConfigFound bool   `json:"config_found"`
}

// ParseHostapdConfig extracts ssid and wpa_passphrase.
func ParseHostapdConfig(out string) WifiAP {
	var ap WifiAP
	if strings.TrimSpace(out) == "" {
		return ap
	}
	ap.ConfigFound = true
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if v, ok := strings.CutPrefix(line, "ssid="); ok {
			ap.SSID = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "wpa_passphrase="); ok {
			ap.Passphrase = strings.TrimSpace(v)
		}
	}
	return ap
}

// Mount is one entry of `mount` output.
type Mount struct {
	Source   string   `json:"source"`
	FSType   string   `json:"fstype"`
	Options  []string `json:"options"`
	Writable bool     `json:"writable"`
}

// ParseMountOutput decodes `mount` output keyed by mount point.
func ParseMountOutput(out string) map[string]Mount {
	mounts := make(map[string]Mount)
	for _, raw := range strings.Split(out, "\n") {
		m := mountRe.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			continue
		}
		var opts []string
		writable := false
		for _, o := range strings.Split(m[4], ",") {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			opts = append(opts, o)
			if strings.HasPrefix(o, "rw") {
				writable = true
			}
		}
		mounts[m[2]] = Mount{Source: m[1], FSType: m[3], Options: opts, Writable: writable}
	}
	return mounts
}

// DiskUsage is the decoded last row of `df -k <path>`.
type DiskUsage struct {
	Filesystem  string   `json:"filesystem"`
	MountedOn   string   `json:"mounted_on"`
	SizeKB      *int64   `json:"size_kb"`
	UsedKB      *int64   `json:"used_kb"`
	AvailableKB *int64   `json:"available_kb"`
	UsedPercent *float64 `json:"used_percent"`
	UsedRatio   *float64 `json:"used_ratio"`
	RawLine     string   `json:"raw_line"`
}

// ParseDFOutput decodes single-path `df` output. ok is false when no data row
// with at least six columns is present.
func ParseDFOutput(out string) (DiskUsage, bool) {
	var last string
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(strings.ToLower(line), "filesystem") {
			continue
		}
		last = line
	}
	if last == "" {
		return DiskUsage{}, false
	}

	parts := whitespace.Split(last, -1)
	if len(parts) < 6 {
		return DiskUsage{}, false
	}
	n := len(parts)
	usage := DiskUsage{
		Filesystem:  parts[0],
		SizeKB:      parseKB(parts[n-5]),
		UsedKB:      parseKB(parts[n-4]),
		AvailableKB: parseKB(parts[n-3]),
		UsedPercent: parsePercent(parts[n-2]),
		MountedOn:   parts[n-1],
		RawLine:     last,
	}
	if usage.SizeKB == nil && usage.UsedKB == nil {
		// an error message, not a data row
		return DiskUsage{}, false
	}
	if usage.SizeKB != nil && usage.UsedKB != nil && *usage.SizeKB > 0 {
		ratio := float64(*usage.UsedKB) / float64(*usage.SizeKB)
		usage.UsedRatio = &ratio
		if usage.UsedPercent == nil {
			pct := ratio * 100
			usage.UsedPercent = &pct
		}
	}
	return usage, true
}

func parseKB(s string) *int64 {
	n, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func parsePercent(s string) *float64 {
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return nil
	}
	return &f
}

// Versions is the decoded output of ql-getversion.
type Versions struct {
	Host           string            `json:"host,omitempty"`
	HostStarflash  string            `json:"host_starflash,omitempty"`
	Cabin          string            `json:"cabin,omitempty"`
	CabinStarflash string            `json:"cabin_starflash,omitempty"`
	BuildInfo      map[string]string `json:"build_info"`
	ModuleVersions map[string]string `json:"module_versions"`
}

var (
	buildInfoKeys = map[string]bool{"version": true, "build_time": true, "hostname": true, "commit": true, "branch": true}
	moduleKeys    = map[string]bool{"camera_soc": true, "camera_mcu": true, "cabin_soc": true, "cabin_mcu": true}
)

// ParseVersionOutput decodes ql-getversion: the build info block, the
// GetAllVersion module list and the GetIcVersion fallback for the camera MCU.
func ParseVersionOutput(out string) Versions {
	v := Versions{BuildInfo: map[string]string{}, ModuleVersions: map[string]string{}}
	var icVersion string
	inBuild := false

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		switch {
		case strings.Contains(lower, "build info start"):
			inBuild = true
		case strings.Contains(lower, "build info end"):
			inBuild = false
		case inBuild:
			if m := buildInfoRe.FindStringSubmatch(line); m != nil {
				key := strings.ToLower(m[1])
				if val := strings.TrimSpace(m[2]); buildInfoKeys[key] && val != "" {
					v.BuildInfo[key] = val
				}
			}
		case strings.Contains(lower, "geticversion") && strings.Contains(lower, "version"):
			if all := icVersionRe.FindAllStringSubmatch(line, -1); len(all) > 0 {
				icVersion = all[len(all)-1][1]
			}
		case strings.Contains(lower, "getallversion") && strings.Contains(lower, "version:"):
			list := line[strings.LastIndex(line, "version:")+len("version:"):]
			for _, pair := range strings.Split(list, ",") {
				key, val, _ := strings.Cut(pair, ":")
				key = strings.ToLower(strings.TrimSpace(key))
				if val = strings.TrimSpace(val); moduleKeys[key] && val != "" {
					v.ModuleVersions[key] = val
				}
			}
		}
	}

	if v.ModuleVersions["camera_mcu"] == "" && icVersion != "" {
		v.ModuleVersions["camera_mcu"] = icVersion
	}

	v.Host = v.ModuleVersions["camera_soc"]
	if v.Host == "" {
		v.Host = v.BuildInfo["version"]
	}
	v.HostStarflash = v.ModuleVersions["camera_mcu"]
	v.Cabin = v.ModuleVersions["cabin_soc"]
	v.CabinStarflash = v.ModuleVersions["cabin_mcu"]
	return v
}
