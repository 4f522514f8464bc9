package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	oauth "github.com/waypost-social/waypost-auth"
	"github.com/waypost-social/waypost-auth/internal/helpers"
)

func main() {
	app := &cli.App{
		Name:  "waypost-helper",
		Usage: "operational helpers for the waypost auth service",
		Commands: []*cli.Command{
			runGenerateJwks,
			runGenerateSecret,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateJwks = &cli.Command{
	Name:  "generate-jwks",
	Usage: "generate the confidential client signing key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name: "prefix",
		},
		&cli.StringFlag{
			Name:  "out",
			Value: "./jwks.json",
		},
	},
	Action: func(cmd *cli.Context) error {
		var prefix *string
		if cmd.String("prefix") != "" {
			inputPrefix := cmd.String("prefix")
			prefix = &inputPrefix
		}

		key, err := oauth.GenerateKey(prefix)
		if err != nil {
			return err
		}

		b, err := json.Marshal(key)
		if err != nil {
			return err
		}

		return os.WriteFile(cmd.String("out"), b, 0600)
	},
}

var runGenerateSecret = &cli.Command{
	Name:  "generate-secret",
	Usage: "generate a random secret for state tokens or cookies",
	Action: func(cmd *cli.Context) error {
		secret, err := helpers.GenerateToken(32)
		if err != nil {
			return err
		}

		fmt.Println(secret)
		return nil
	},
}
