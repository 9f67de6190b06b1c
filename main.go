package main

import (
	"log"

	"github.com/gohypsec/hypsec/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
