// Command archrender generates architectural renders through a queue based
// image backend, funded from a local credits ledger.
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"archrender/core"
)

func main() {
	// Missing env files are fine; real environment variables take precedence.
	_ = godotenv.Load(core.GetEnvOrDefault("ARCHRENDER_ENV_FILE", ".env"))

	os.Exit(NewApp().Run(context.Background(), os.Args[1:]))
}
