package main

import (
	"log"

	"github.com/Crazynotdev/Tts/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
