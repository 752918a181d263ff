package main

import (
	"go-civitai-manager/cmd/civitai-manager/cmd"
	"go-civitai-manager/internal/api"
)

func main() {
	// Ensure all API log file buffers are flushed and files closed on exit
	defer api.CloseAllLoggingTransports()

	cmd.Execute()
}
