package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/frameselect/server"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("frameserver", "Review server for frame selection")
	configFilePath := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: "frameserver.json"})
	listen := parser.String("l", "listen", &argparse.Options{Help: "Override the listen address of the config file (eg :8090)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := server.LoadConfig(*configFilePath)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	s, err := server.NewServer(logger, *cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	s.ListenForKillSignals()
	if err := s.ListenHTTP(cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("%v", err)
		s.Shutdown()
		os.Exit(1)
	}
}
