// Command qq-gateway bridges a OneBot v11 messaging endpoint to an
// internal conversational-agent runtime.
package main

import "github.com/openclaw/qq-gateway/cmd"

func main() {
	cmd.Execute()
}
