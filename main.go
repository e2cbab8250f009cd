package main

//	@title			Inference Routing Service
//	@version		0.1.0
//	@description	Control plane that fronts a fleet of LLM inference machines.

// @BasePath	/api/v1

import (
	"github.com/joho/godotenv"

	"gitlab.com/inference-grid/routing-service/cmd"
)

func main() {
	// Overrides from a local .env are optional.
	_ = godotenv.Load()

	cmd.Execute()
}
