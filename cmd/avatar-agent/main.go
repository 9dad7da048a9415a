// Command avatar-agent prepares talking-head avatars from reference videos
// and renders them against new speech.
//
// Usage:
//
//	avatar-agent serve                     run the local API, job runner and tray
//	avatar-agent prepare <video>           prepare an avatar on disk
//	avatar-agent render <avatar> <audio>   render a prepared avatar
//	avatar-agent doctor                    probe the Python workers
//	avatar-agent dataset build|sample      build and sample a training corpus
//
// Configuration comes from AVATAR_AGENT_* variables and the optional YAML
// file named by AVATAR_AGENT_CONFIG.
package main

import (
	"fmt"
	"os"

	"github.com/heimdex/avatar-agent/cmd/avatar-agent/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
