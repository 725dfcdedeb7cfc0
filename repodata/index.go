package repodata

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/a-h/condalink/pkginfo"
)

// stringList decodes a JSON field that historically appears either as a
// single comma-separated string (older repodata.json generators) or as a
// JSON array of strings (current conda-build output).
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if str == "" {
		*s = nil
		return nil
	}
	*s = strings.Fields(strings.ReplaceAll(str, ",", " "))
	return nil
}

// rawPackage is one entry of a repodata.json "packages" or "packages.conda"
// object. Unknown keys are ignored by encoding/json by default.
type rawPackage struct {
	Name          string     `json:"name"`
	Version       string     `json:"version"`
	BuildString   string     `json:"build"`
	BuildNumber   uint64     `json:"build_number"`
	MD5           string     `json:"md5"`
	SHA256        string     `json:"sha256"`
	Size          int64      `json:"size"`
	Depends       []string   `json:"depends"`
	Constrains    []string   `json:"constrains"`
	TrackFeatures stringList `json:"track_features"`
	License       string     `json:"license"`
	Timestamp     int64      `json:"timestamp"`
}

// indexFile is the top-level shape of a repodata.json document.
type indexFile struct {
	Info struct {
		Subdir string `json:"subdir"`
	} `json:"info"`
	Packages      map[string]rawPackage `json:"packages"`
	PackagesConda map[string]rawPackage `json:"packages.conda"`
	Removed       []string              `json:"removed"`
}

// ParseIndex decodes a cached repodata.json (as Load produces at
// Result.JSONPath) into the packages it advertises for channelURL, merging
// "packages" and "packages.conda" and dropping anything named in
// "removed".
func ParseIndex(jsonPath, channelURL string) ([]pkginfo.PackageInfo, error) {
	b, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("repodata: reading %s: %w", jsonPath, err)
	}
	var idx indexFile
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("repodata: decoding %s: %w", jsonPath, err)
	}

	removed := make(map[string]bool, len(idx.Removed))
	for _, fn := range idx.Removed {
		removed[fn] = true
	}

	channelURL = strings.TrimRight(channelURL, "/")
	out := make([]pkginfo.PackageInfo, 0, len(idx.Packages)+len(idx.PackagesConda))
	add := func(filename string, raw rawPackage) {
		if removed[filename] {
			return
		}
		out = append(out, pkginfo.PackageInfo{
			Name:          raw.Name,
			Version:       raw.Version,
			BuildString:   raw.BuildString,
			BuildNumber:   raw.BuildNumber,
			Channel:       channelURL,
			Subdir:        idx.Info.Subdir,
			Filename:      filename,
			URL:           channelURL + "/" + idx.Info.Subdir + "/" + filename,
			MD5:           raw.MD5,
			SHA256:        raw.SHA256,
			Size:          raw.Size,
			Depends:       raw.Depends,
			Constrains:    raw.Constrains,
			TrackFeatures: raw.TrackFeatures,
			License:       raw.License,
			Timestamp:     raw.Timestamp,
		})
	}
	for filename, raw := range idx.Packages {
		add(filename, raw)
	}
	for filename, raw := range idx.PackagesConda {
		add(filename, raw)
	}
	return out, nil
}
