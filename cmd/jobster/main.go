package main

import (
	"log"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
