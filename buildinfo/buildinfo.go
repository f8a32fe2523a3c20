// Package buildinfo describes the running liveness binary.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

const repository = "https://github.com/coder/liveness"

var (
	settings     map[string]string
	readSettings sync.Once

	version     string
	readVersion sync.Once

	// Injected with ldflags at build, without the leading "v".
	tag string
)

// Version returns the semantic version of the build. Untagged builds report
// v0.0.0-devel with the commit appended as build metadata.
func Version() string {
	readVersion.Do(func() {
		version = versionFor(tag, revision())
	})
	return version
}

func versionFor(tag, revision string) string {
	suffix := ""
	if len(revision) >= 7 {
		suffix = "+" + revision[:7]
	}
	if tag == "" {
		return "v0.0.0-devel" + suffix
	}
	v := "v" + strings.TrimPrefix(tag, "v")
	if !semver.IsValid(v) {
		return "v0.0.0-devel" + suffix
	}
	if semver.Build(v) == "" {
		v += suffix
	}
	return v
}

// IsDev reports whether this is an untagged build.
func IsDev() bool {
	return strings.HasPrefix(Version(), "v0.0.0-devel")
}

// ExternalURL links to the release for tagged builds and to the commit
// otherwise.
func ExternalURL() string {
	rev := revision()
	switch {
	case !IsDev():
		return fmt.Sprintf("%s/releases/tag/%s", repository, semver.Canonical(Version()))
	case rev != "":
		return fmt.Sprintf("%s/commit/%s", repository, rev)
	default:
		return repository
	}
}

// Time returns when the commit was made.
func Time() (time.Time, bool) {
	value, ok := find("vcs.time")
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func revision() string {
	rev, _ := find("vcs.revision")
	return rev
}

func find(key string) (string, bool) {
	readSettings.Do(func() {
		settings = map[string]string{}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, setting := range info.Settings {
			settings[setting.Key] = setting.Value
		}
	})
	value, ok := settings[key]
	return value, ok
}
