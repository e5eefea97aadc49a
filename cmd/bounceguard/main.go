package main

import (
	"os"

	"github.com/gin-gonic/gin"

	"github.com/runnerr0/bounceguard/internal/cli"
)

var version = "dev"

func main() {
	gin.SetMode(gin.ReleaseMode)
	if err := cli.Run(version); err != nil {
		os.Exit(1)
	}
}
