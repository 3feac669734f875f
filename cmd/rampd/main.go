package main

import (
	"log"

	"cryptoramp/services/rampd"
)

func main() {
	if err := rampd.Main(); err != nil {
		log.Fatalf("rampd: %v", err)
	}
}
