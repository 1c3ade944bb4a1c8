// Package main prints identity tokens for local chat clients.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/marketchat/internal/platform/config"
	"github.com/louisbranch/marketchat/internal/tools/chattoken"
)

func main() {
	cfg, err := chattoken.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := chattoken.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("chattoken: %v", err)
	}
}
