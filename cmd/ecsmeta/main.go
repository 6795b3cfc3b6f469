// Command ecsmeta collects ECS billing and object metadata into
// Elasticsearch and purges it after a retention window.
package main

import (
	"os"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
