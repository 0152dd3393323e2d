// Command monoforge is a thin driver over the engine: it loads workspace and
// project configuration from JSON files, passes the parsed structs to the
// core, runs the requested targets, and exits with the pipeline's code. All
// real behavior lives under internal/; this file is the collaborator that
// feeds it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ogmios/monoforge/internal/engine"
	"github.com/ogmios/monoforge/internal/engineconfig"
	"github.com/ogmios/monoforge/internal/localcache"
	"github.com/ogmios/monoforge/internal/logging"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/remotecache"
	"github.com/ogmios/monoforge/internal/syspath"
)

const (
	workspaceConfigName = "workspace.json"
	projectConfigName   = "moon.json"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := logging.New(logging.Options{Level: os.Getenv("MOON_LOG")})

	root, err := findWorkspaceRoot()
	if err != nil {
		logger.Error("unable to locate workspace root", "error", err)
		return 1
	}

	config, err := loadWorkspaceConfig(root)
	if err != nil {
		logger.Error("unable to load workspace config", "error", err)
		return 1
	}

	selections, passthrough := splitArgs(os.Args[1:])
	if len(selections) == 0 {
		logger.Error("no targets given")
		return 1
	}

	opts := engine.Options{
		WorkspaceRoot:   root,
		Config:          config,
		LoadProject:     projectLoader(root),
		Concurrency:     os.Getenv("MOON_CONCURRENCY"),
		CacheMode:       localcache.ModeFromEnv("MOON_CACHE", localcache.ModeReadWrite),
		Affected:        os.Getenv("MOON_AFFECTED") != "",
		AffectedAgainst: os.Getenv("MOON_BASE"),
		BailOnFailure:   os.Getenv("MOON_BAIL") != "",
		PassthroughArgs: passthrough,
		Logger:          logger,
	}
	if target := os.Getenv("MOON_REMOTE_CACHE_GRPC"); target != "" {
		opts.Remote = &remotecache.Config{
			GRPCTarget:  target,
			HTTPBaseURL: os.Getenv("MOON_REMOTE_CACHE_HTTP"),
			Instance:    os.Getenv("MOON_REMOTE_CACHE_INSTANCE"),
			Auth:        remoteAuthFromEnv(),
			Logger:      logger,
		}
	} else if base := os.Getenv("MOON_REMOTE_CACHE_HTTP"); base != "" {
		opts.Remote = &remotecache.Config{
			HTTPBaseURL: base,
			Instance:    os.Getenv("MOON_REMOTE_CACHE_INSTANCE"),
			Auth:        remoteAuthFromEnv(),
			Logger:      logger,
		}
	}

	result, err := engine.New(opts).Run(context.Background(), selections)
	if err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	return result.ExitCode
}

// splitArgs separates target selections from passthrough args after `--`.
func splitArgs(args []string) (selections, passthrough []string) {
	for i, arg := range args {
		if arg == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

// findWorkspaceRoot walks up from the current directory to the nearest
// directory holding a .moon/workspace.json.
func findWorkspaceRoot() (syspath.AbsoluteSystemPath, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		marker := filepath.Join(dir, ".moon", workspaceConfigName)
		if _, err := os.Stat(marker); err == nil {
			return syspath.AbsoluteSystemPath(dir), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .moon/%s found above %s", workspaceConfigName, dir)
		}
		dir = parent
	}
}

func loadWorkspaceConfig(root syspath.AbsoluteSystemPath) (*engineconfig.WorkspaceConfig, error) {
	raw, err := root.UntypedJoin(".moon", workspaceConfigName).ReadFile()
	if err != nil {
		return nil, err
	}
	var config engineconfig.WorkspaceConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func projectLoader(root syspath.AbsoluteSystemPath) func(model.ProjectId, string) (*engineconfig.ProjectConfig, error) {
	return func(id model.ProjectId, source string) (*engineconfig.ProjectConfig, error) {
		raw, err := root.UntypedJoin(source, projectConfigName).ReadFile()
		if err != nil {
			if os.IsNotExist(err) {
				return &engineconfig.ProjectConfig{}, nil
			}
			return nil, err
		}
		var config engineconfig.ProjectConfig
		if err := json.Unmarshal(raw, &config); err != nil {
			return nil, err
		}
		return &config, nil
	}
}

func remoteAuthFromEnv() remotecache.Auth {
	if token := os.Getenv("MOON_REMOTE_CACHE_TOKEN"); token != "" {
		return remotecache.Auth{Kind: remotecache.AuthBearerToken, Token: token}
	}
	return remotecache.Auth{}
}
