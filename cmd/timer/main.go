package main

import (
	"errors"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	parser, err := newParser(&app{out: os.Stdout}, flags.Default)
	if err != nil {
		log.Fatalf("could not build command line parser: %v", err)
	}
	if _, err = parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
