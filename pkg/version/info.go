// Package version exposes build metadata injected at link time.
package version

import (
	"fmt"
	"strings"
)

const (
	// Unknown is used when build metadata is not provided.
	Unknown = "unknown"
	// DevelopmentVersion is the default version in local builds.
	DevelopmentVersion = "dev"
)

// Overridden at build time:
//
//	go build -ldflags="-X github.com/nimburion/runqueue/pkg/version.AppVersion=v1.2.3"
var (
	AppVersion = DevelopmentVersion
	GitCommit  = Unknown
	BuildTime  = Unknown
)

// Release channels reported by Info.Channel.
const (
	ChannelStable      = "stable"
	ChannelPreRelease  = "prerelease"
	ChannelDevelopment = "development"
)

// Info is the build metadata of a binary.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Current returns the metadata of the running binary.
func Current(serviceName string) Info {
	return Info{
		Service:   normalizeOrDefault(serviceName, Unknown),
		Version:   normalizeOrDefault(AppVersion, DevelopmentVersion),
		Commit:    normalizeOrDefault(GitCommit, Unknown),
		BuildTime: normalizeOrDefault(BuildTime, Unknown),
	}
}

// Channel classifies the version: a non-semver version is a development build.
func (i Info) Channel() string {
	v, err := ParseRelease(i.Version)
	switch {
	case err != nil:
		return ChannelDevelopment
	case v.PreRelease != "":
		return ChannelPreRelease
	default:
		return ChannelStable
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s@%s (commit=%s, build_time=%s)", i.Service, i.Version, i.Commit, i.BuildTime)
}

// UserAgent is sent on outbound webhook calls.
func UserAgent() string {
	return "runqueue/" + normalizeOrDefault(AppVersion, DevelopmentVersion)
}

func normalizeOrDefault(v, fallback string) string {
	norm := strings.TrimSpace(v)
	if norm == "" {
		return fallback
	}
	return norm
}
