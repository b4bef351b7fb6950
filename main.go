package main

import (
	"github.com/joho/godotenv"

	"solswap/cmd"
)

func main() {
	// A .env file is optional; environment variables win either way.
	_ = godotenv.Load()

	cmd.Execute()
}
