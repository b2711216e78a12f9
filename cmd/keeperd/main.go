package main

import (
	"log"

	"rescuekeeper/services/keeper"
)

func main() {
	if err := keeper.Main(); err != nil {
		log.Fatalf("keeperd: %v", err)
	}
}
