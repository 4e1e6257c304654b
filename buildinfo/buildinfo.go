// Package buildinfo reports the version of the pgcrypto binary.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

const repositoryURL = "https://github.com/coder/pgcryptofields"

var (
	buildInfo      *debug.BuildInfo
	buildInfoValid bool
	readBuildInfo  sync.Once

	version     string
	readVersion sync.Once

	// Injected with ldflags at build!
	tag string
)

// Version returns the semantic version of the build. Builds without a tag
// are "v0.0.0-devel" plus the short revision when known.
func Version() string {
	readVersion.Do(func() {
		version = formatVersion(tag, revision())
	})
	return version
}

func formatVersion(tag, revision string) string {
	if revision != "" {
		revision = "+" + revision[:min(7, len(revision))]
	}
	if tag == "" {
		return "v0.0.0-devel" + revision
	}
	tag = "v" + strings.TrimPrefix(tag, "v")
	if semver.Build(tag) == "" {
		tag += revision
	}
	return tag
}

// IsDev reports whether this is a development build.
func IsDev() bool {
	return strings.HasPrefix(Version(), "v0.0.0-devel")
}

// ExternalURL links to the release of a tagged build, or to the commit of a
// development one.
func ExternalURL() string {
	if rev := revision(); IsDev() && rev != "" {
		return fmt.Sprintf("%s/commit/%s", repositoryURL, rev)
	}
	if !IsDev() {
		return fmt.Sprintf("%s/releases/tag/%s", repositoryURL, semver.Canonical(Version()))
	}
	return repositoryURL
}

// Time returns when the Git revision was published.
func Time() (time.Time, bool) {
	value := find("vcs.time")
	if value == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// revision returns the Git hash of the build, or "".
func revision() string {
	return find("vcs.revision")
}

func find(key string) string {
	readBuildInfo.Do(func() {
		buildInfo, buildInfoValid = debug.ReadBuildInfo()
	})
	if !buildInfoValid {
		return ""
	}
	for _, setting := range buildInfo.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
