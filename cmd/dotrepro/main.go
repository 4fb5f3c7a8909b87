// This file is part of dotrepro.
//
// Copyright (C) 2024 dotrepro Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dotrepro/dotrepro/config"
)

var (
	configFile string
	verbose    bool
	jsonLog    bool

	cfg    *config.Config
	logger = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "dotrepro",
	Short: "Recover and replay the compilation of .NET assemblies",
	Long: `dotrepro reads the compilation records a compiler leaves in portable PDB
symbols, rebuilds the compiler command line from them and checks that a
rebuild produces an equivalent assembly.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (default ./"+config.FileName+" if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Log in JSON format")

	rootCmd.AddCommand(inspectCmd, argsCmd, compareCmd, rebuildCmd, packageCmd, versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	logger.SetOutput(os.Stderr)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if jsonLog {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	var err error
	cfg, err = config.LoadOrDefault(configFile)
	if err != nil {
		return err
	}
	logger.WithField("cache", cfg.Cache.Dir).Debug("Configuration loaded.")
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitError carries a process exit code without printing anything more.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if code, ok := err.(exitError); ok {
			os.Exit(int(code))
		}
		os.Exit(1)
	}
}
