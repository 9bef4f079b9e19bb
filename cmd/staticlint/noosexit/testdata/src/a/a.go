package main

import (
	"log"
	"os"
	osalias "os"
)

func helper() {
	os.Exit(3)
}

func main() {
	defer helper()

	os.Exit(1)      // want "avoid using os.Exit in main.main"
	osalias.Exit(2) // want "avoid using os.Exit in main.main"

	log.Fatal("boom")        // want "avoid using log.Fatal in main.main"
	log.Fatalf("%s", "boom") // want "avoid using log.Fatalf in main.main"
	log.Println("fine")

	func() {
		os.Exit(4) // want "avoid using os.Exit in main.main"
	}()
}
