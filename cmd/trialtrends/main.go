package main

import (
	"trialtrends/cmd/handlers"
	"trialtrends/internal/logger"
)

func main() {
	logger.Init() // Initialize the logger
	handlers.Execute()
}
