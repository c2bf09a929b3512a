package config

import (
	"os"
	"sync"
)

var (
	inDockerOnce sync.Once
	inDocker     bool
)

// IsRunningInDocker reports whether /.dockerenv exists. The result is cached.
func IsRunningInDocker() bool {
	inDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		inDocker = err == nil
	})
	return inDocker
}

// ResolveHostForDocker rewrites a loopback database host to
// host.docker.internal when the sandbox itself runs in a container.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, containerized bool) string {
	if containerized && (host == "localhost" || host == "127.0.0.1") {
		return "host.docker.internal"
	}
	return host
}
