package main

import (
	"fmt"
	"os"

	lattice "github.com/latticehq/lattice-go"
)

// getClient creates an authenticated Lattice client from the stored config.
func getClient() (*lattice.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token configured. Run 'lattice init <token>' first.")
		os.Exit(1)
	}

	var opts []lattice.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, lattice.WithBaseURL(cfg.Default.BaseURL))
	}
	return lattice.NewClient(cfg.Default.Token, opts...), cfg
}

// identityFromConfig builds the ownership resolver for session calls.
func identityFromConfig(cfg *Config) lattice.Resolver {
	return lattice.Resolver{
		LocalUserID: cfg.User.ID,
		LocalName:   cfg.User.DisplayName,
	}
}
