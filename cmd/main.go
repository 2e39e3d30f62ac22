/*
Copyright 2024 Fern Health Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fernhealth/fernbill"
	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/database"
	"github.com/fernhealth/fernbill/internal/notification"
)

// Fernbill represents the CLI application, encapsulating the root Cobra command.
type Fernbill struct {
	cmd *cobra.Command
}

// fernbillInstance holds the engine instance and its configuration for use by
// the subcommands.
type fernbillInstance struct {
	fern *fernbill.Fernbill
	cnf  *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the engine before running
// any command.
func preRun(app *fernbillInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("fernbill.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newFernbill, err := setupFernbill(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.fern = newFernbill
		app.cnf = cnf

		return nil
	}
}

func setupFernbill(cfg *config.Configuration) (*fernbill.Fernbill, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newFernbill, err := fernbill.NewFernbill(db)
	if err != nil {
		return nil, fmt.Errorf("error creating fernbill: %v", err)
	}
	return newFernbill, nil
}

// NewCLI creates the command-line interface for the billing service.
func NewCLI() *Fernbill {
	var configFile string
	b := &fernbillInstance{}

	var rootCmd = &cobra.Command{
		Use:   "fernbill",
		Short: "treatment procedure billing engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./fernbill.json", "Configuration file for fernbill")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &Fernbill{cmd: rootCmd}
}

func (w Fernbill) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
