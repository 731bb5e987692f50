package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tandem-app/tandem/internal/config"
	"github.com/tandem-app/tandem/internal/daemon"
	"github.com/tandem-app/tandem/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (default: main)")
	userFlag := flag.String("user", "", "client user id; writes the profile config on first run")
	flag.Parse()

	name := *profileFlag
	if name == "" {
		name = profile.DefaultName
	}
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *userFlag != "" {
		if err := initConfig(name, *userFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: name}),
	)

	app.Run()
}

// initConfig writes config.toml for a fresh profile. An existing config with
// a different user is an error, not an overwrite.
func initConfig(name, userID string) error {
	path := profile.ConfigPath(name)
	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return config.Save(path, &config.Config{ClientUserID: userID})
	case err != nil:
		return err
	case cfg.ClientUserID != userID:
		return fmt.Errorf("profile %s belongs to user %s", name, cfg.ClientUserID)
	}
	return nil
}
