// Command watchdogctl is the read-only operator CLI for the status
// mirror: a one-shot table dump and a live-refreshing view, both
// reading the same Redis keyspace pkg/statusmirror writes. Grounded on
// cmd/tartarus/cmd for the cobra command layout.
package main

import "github.com/osquery-go/watchdog/cmd/watchdogctl/cmd"

func main() {
	cmd.Execute()
}
