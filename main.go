package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"

	"opset/config"
	"opset/executor/device"
	"opset/executor/dockerrun"
	"opset/executor/rest"
	"opset/executor/shell"
	"opset/runtime"
	"opset/server"
	"opset/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	store, err := runtime.LoadStore(logger, cfg.DefinitionsDir)
	if err != nil {
		log.Fatalf("Error loading operation sets: %v", err)
	}

	sup := task.NewSupervisor(cfg.TaskRetention)
	defer sup.Close()

	registry := runtime.NewRegistry()
	registry.Register(runtime.BackendRest, rest.New(logger, cfg.RequestTimeout, cfg.InsecureSkipVerify))
	registry.Register(runtime.BackendShell, shell.New(logger, cfg.WorkDirRoot, sup))

	containers, err := dockerrun.New(logger, cfg.DockerHost, cfg.WorkDirRoot, sup)
	if err != nil {
		log.Fatalf("Error connecting to container daemon: %v", err)
	}
	registry.Register(runtime.BackendContainer, containers)

	var checker runtime.PresenceChecker
	if cfg.DeviceHost != "" {
		client := device.NewClient(logger, cfg.DeviceHost, cfg.DeviceUsername, cfg.DevicePassword,
			cfg.KeyTTL, cfg.RequestTimeout, cfg.InsecureSkipVerify)
		executor := device.NewExecutor(logger, client)
		registry.Register(runtime.BackendDevice, executor)
		checker = executor
	}

	runner := runtime.NewRunner(logger, registry)
	resolver := runtime.NewResolver(logger, store, runner, checker)

	g := gin.Default()
	server.NewHandler(logger, store, runner, resolver, sup).Register(g)

	logger.Info("Starting engine", "listen", cfg.Listen, "sets", len(store.Names()))

	if err := g.Run(cfg.Listen); err != nil {
		log.Fatalf("Error running server: %v", err)
	}
}
