package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/api/keyhandler"
	"github.com/ruteri/secure-model-distribution/api/transferhandler"
	"github.com/ruteri/secure-model-distribution/cmd/flags"
	"github.com/urfave/cli/v2"
)

var flagModelID = &cli.StringFlag{
	Name:     "model-id",
	Required: true,
	Usage:    "model identifier",
}
var flagKeyID = &cli.StringFlag{
	Name:     "key-id",
	Required: true,
	Usage:    "managed key identifier",
}
var flagLicense = &cli.StringFlag{
	Name:     "license",
	Required: true,
	EnvVars:  []string{"DIST_LICENSE_KEY"},
	Usage:    "license key authorizing the operation",
}
var flagSessionID = &cli.StringFlag{
	Name:     "session-id",
	Required: true,
	Usage:    "transfer session identifier",
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keyClient(cCtx *cli.Context) *keyhandler.Client {
	return keyhandler.NewClient(cCtx.String(flags.ServerFlag.Name), nil)
}

func transferClient(cCtx *cli.Context) *transferhandler.Client {
	return transferhandler.NewClient(cCtx.String(flags.ServerFlag.Name), nil)
}

func main() {
	app := &cli.App{
		Name:  "distctl",
		Usage: "Operate the keys and transfers of an admin node",
		Flags: []cli.Flag{flags.ServerFlag},
		Commands: []*cli.Command{
			keysCommand(),
			modelsCommand(),
			transfersCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func keysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "manage hardware-bound model keys",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "issue a key bound to the admin node hardware",
				Flags: []cli.Flag{flagModelID, flagLicense, &cli.IntFlag{Name: "lifetime-days", Usage: "key lifetime, server default when unset"}},
				Action: func(cCtx *cli.Context) error {
					key, err := keyClient(cCtx).GenerateKey(cCtx.Context, api.GenerateKeyRequest{
						LicenseKey:   cCtx.String(flagLicense.Name),
						ModelID:      cCtx.String(flagModelID.Name),
						LifetimeDays: cCtx.Int("lifetime-days"),
					})
					if err != nil {
						return err
					}
					return printJSON(key)
				},
			},
			{
				Name:  "list",
				Usage: "list the keys of a model",
				Flags: []cli.Flag{flagModelID, &cli.BoolFlag{Name: "active", Usage: "only list usable keys"}},
				Action: func(cCtx *cli.Context) error {
					keys, err := keyClient(cCtx).ListKeys(cCtx.Context, cCtx.String(flagModelID.Name), cCtx.Bool("active"))
					if err != nil {
						return err
					}
					return printJSON(keys)
				},
			},
			{
				Name:  "get",
				Flags: []cli.Flag{flagKeyID},
				Action: func(cCtx *cli.Context) error {
					key, err := keyClient(cCtx).GetKey(cCtx.Context, cCtx.String(flagKeyID.Name))
					if err != nil {
						return err
					}
					return printJSON(key)
				},
			},
			{
				Name:  "rotate",
				Usage: "replace a key and notify client nodes",
				Flags: []cli.Flag{flagKeyID, flagLicense, &cli.StringSliceFlag{Name: "notify", Usage: "client node to notify, repeatable"}},
				Action: func(cCtx *cli.Context) error {
					key, err := keyClient(cCtx).RotateKey(cCtx.Context, cCtx.String(flagKeyID.Name), api.RotateKeyRequest{
						LicenseKey:    cCtx.String(flagLicense.Name),
						NotifyClients: cCtx.StringSlice("notify"),
					})
					if err != nil {
						return err
					}
					return printJSON(key)
				},
			},
			{
				Name:  "revoke",
				Flags: []cli.Flag{flagKeyID, &cli.StringFlag{Name: "reason", Required: true}},
				Action: func(cCtx *cli.Context) error {
					revoked, err := keyClient(cCtx).RevokeKey(cCtx.Context, cCtx.String(flagKeyID.Name), cCtx.String("reason"))
					if err != nil {
						return err
					}
					return printJSON(api.RevokeKeyResponse{Revoked: revoked})
				},
			},
			{
				Name:  "binding",
				Usage: "check a key against the admin node hardware",
				Flags: []cli.Flag{flagKeyID},
				Action: func(cCtx *cli.Context) error {
					keyID := cCtx.String(flagKeyID.Name)
					valid, err := keyClient(cCtx).ValidateBinding(cCtx.Context, keyID)
					if err != nil {
						return err
					}
					return printJSON(api.BindingResponse{KeyID: keyID, Valid: valid})
				},
			},
			{
				Name:  "history",
				Flags: []cli.Flag{flagKeyID},
				Action: func(cCtx *cli.Context) error {
					events, err := keyClient(cCtx).History(cCtx.Context, cCtx.String(flagKeyID.Name))
					if err != nil {
						return err
					}
					return printJSON(events)
				},
			},
			{
				Name:  "cleanup",
				Usage: "dispose of expired keys now",
				Action: func(cCtx *cli.Context) error {
					n, err := keyClient(cCtx).Cleanup(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(api.CleanupResponse{Disposed: n})
				},
			},
			{
				Name: "stats",
				Action: func(cCtx *cli.Context) error {
					stats, err := keyClient(cCtx).Statistics(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(stats)
				},
			},
		},
	}
}

func modelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "encrypt and store model weights",
		Subcommands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "encrypt a weights file block by block under a managed key",
				ArgsUsage: "<weights-file>",
				Flags:     []cli.Flag{flagModelID, flagKeyID, &cli.IntFlag{Name: "block-size", Usage: "block size in bytes, server default when unset"}},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected one weights file")
					}
					f, err := os.Open(cCtx.Args().First())
					if err != nil {
						return err
					}
					defer f.Close()

					resp, err := transferClient(cCtx).UploadModel(cCtx.Context, cCtx.String(flagModelID.Name), cCtx.String(flagKeyID.Name), cCtx.Int("block-size"), f)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:      "manifest",
				ArgsUsage: "<manifest-id>",
				Action: func(cCtx *cli.Context) error {
					manifest, err := transferClient(cCtx).GetManifest(cCtx.Context, cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(manifest)
				},
			},
		},
	}
}

func transfersCommand() *cli.Command {
	return &cli.Command{
		Name:  "transfers",
		Usage: "start and follow block transfers to client nodes",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "open a transfer session for a stored model",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "client", Required: true, Usage: "receiving client node"},
					&cli.StringFlag{Name: "manifest-id", Required: true},
					&cli.BoolFlag{Name: "run", Usage: "start sending right away"},
				},
				Action: func(cCtx *cli.Context) error {
					resp, err := transferClient(cCtx).StartTransfer(cCtx.Context, api.StartTransferRequest{
						ClientNodeID: cCtx.String("client"),
						ManifestID:   cCtx.String("manifest-id"),
						Start:        cCtx.Bool("run"),
					})
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name: "list",
				Action: func(cCtx *cli.Context) error {
					sessions, err := transferClient(cCtx).ListTransfers(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(sessions)
				},
			},
			{
				Name:  "get",
				Flags: []cli.Flag{flagSessionID},
				Action: func(cCtx *cli.Context) error {
					session, err := transferClient(cCtx).GetTransfer(cCtx.Context, cCtx.String(flagSessionID.Name))
					if err != nil {
						return err
					}
					return printJSON(session)
				},
			},
			{
				Name:  "progress",
				Flags: []cli.Flag{flagSessionID},
				Action: func(cCtx *cli.Context) error {
					progress, err := transferClient(cCtx).Progress(cCtx.Context, cCtx.String(flagSessionID.Name))
					if err != nil {
						return err
					}
					return printJSON(progress)
				},
			},
			{
				Name:  "session-key",
				Usage: "fetch the transit key of a session wrapped to a client public key",
				Flags: []cli.Flag{flagSessionID, &cli.StringFlag{Name: "client-pubkey-file", Required: true}},
				Action: func(cCtx *cli.Context) error {
					pubPEM, err := os.ReadFile(cCtx.String("client-pubkey-file"))
					if err != nil {
						return err
					}
					sessionID := cCtx.String(flagSessionID.Name)
					wrapped, err := transferClient(cCtx).SessionKey(cCtx.Context, sessionID, pubPEM)
					if err != nil {
						return err
					}
					fmt.Println(base64.StdEncoding.EncodeToString(wrapped))
					return nil
				},
			},
			{
				Name:  "run",
				Flags: []cli.Flag{flagSessionID},
				Action: func(cCtx *cli.Context) error {
					return transferClient(cCtx).RunTransfer(cCtx.Context, cCtx.String(flagSessionID.Name))
				},
			},
			{
				Name:  "cancel",
				Flags: []cli.Flag{flagSessionID},
				Action: func(cCtx *cli.Context) error {
					cancelled, err := transferClient(cCtx).CancelTransfer(cCtx.Context, cCtx.String(flagSessionID.Name))
					if err != nil {
						return err
					}
					return printJSON(api.CancelTransferResponse{Cancelled: cancelled})
				},
			},
			{
				Name: "stats",
				Action: func(cCtx *cli.Context) error {
					stats, err := transferClient(cCtx).Statistics(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(stats)
				},
			},
		},
	}
}
