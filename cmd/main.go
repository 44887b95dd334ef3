/*
   embedserver - local sentence embedding server
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"Unbewohnte/embedserver/internal/inference"
	"Unbewohnte/embedserver/internal/server"
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
)

const DOTENV_NAME string = ".env"

var (
	configPath      = flag.String("config", "", "path to a YAML or JSON configuration file")
	writeConfigPath = flag.String("write-config", "", "write the effective configuration to this path and exit")
)

// loadConfig layers the config file, .env and the process environment over
// the defaults.
func loadConfig() (*server.Config, error) {
	lookup, err := server.EnvLookup(DOTENV_NAME)
	if err != nil {
		return nil, err
	}

	path := *configPath
	if path == "" {
		if value, ok := lookup("CONFIG_FILE"); ok {
			path = value
		}
	}

	conf := server.DefaultConfig()
	if path != "" {
		conf, err = server.ConfigFrom(path)
		if err != nil {
			return nil, err
		}
	}

	if err := conf.ApplyEnvironment(lookup); err != nil {
		return nil, err
	}

	return conf, nil
}

func main() {
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		log.Panic("Invalid configuration: " + err.Error())
	}

	if *writeConfigPath != "" {
		if err := conf.Save(*writeConfigPath); err != nil {
			log.Panic("Could not write configuration file: " + err.Error())
		}
		log.Printf("Configuration written to %s", *writeConfigPath)
		return
	}

	if conf.LogsFile != "" {
		logsFile, err := os.Create(conf.LogsFile)
		if err != nil {
			log.Panic("Could not create logs file: " + err.Error())
		}
		defer logsFile.Close()
		log.SetOutput(io.MultiWriter(logsFile, os.Stdout))
	}

	if conf.Diagnostics {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			log.Printf("gops: %v", err)
		}
		defer agent.Close()
	}

	log.Printf("Loading embedding model: %s...", conf.Model)
	model, err := inference.NewClient(conf.InferenceOptions())
	if err != nil {
		log.Panic(err)
	}

	loadCtx, stopLoading := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = model.Load(loadCtx)
	stopLoading()
	if err != nil {
		log.Panic(err)
	}
	log.Printf("[OK] Model loaded: %s (%d dimensions)", model.Name(), model.Dimension())
	log.Printf("Device: %s, max sequence length: %d", model.Device(), model.MaxSeqLength())

	webServer, err := server.NewWebServer(conf, model)
	if err != nil {
		log.Panic(err)
	}
	serveErr := webServer.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Panic(err)
		}
	case sig := <-quit:
		log.Printf("Received %s, shutting down...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %s", err)
	}
	log.Println("Server stopped")
}
