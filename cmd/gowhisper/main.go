// Command gowhisper transcribes audio files, live PCM streams and serves the
// transcription API.
//
// Usage:
//
//	gowhisper [flags] <command> [args]
//
// Commands:
//
//	transcribe - transcribe WAV files
//	stream     - transcribe raw 16-bit PCM from stdin or a file in real time
//	serve      - run the HTTP and WebSocket server
package main

import (
	"fmt"
	"os"

	"github.com/obiente/gowhisper/cmd/gowhisper/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(commands.ExitCode(err))
	}
}
