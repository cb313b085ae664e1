package main

import (
	"github.com/joho/godotenv"

	"github.com/kfpbridge/kfpbridge/api/cmd/kfpbridge"
)

func main() {
	_ = godotenv.Load()
	kfpbridge.Execute()
}
