package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ruteri/secure-model-distribution/api/unsealhandler"
	"github.com/ruteri/secure-model-distribution/cmd/flags"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/kms"
	"github.com/urfave/cli/v2"
)

var flagAdminID *cli.StringFlag = &cli.StringFlag{
	Name:     "admin-id",
	Required: true,
	EnvVars:  []string{"DIST_ADMIN_ID"},
	Usage:    "administrator id as listed in the admin keys file",
}
var flagAdminPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdminsFile *cli.StringFlag = &cli.StringFlag{
	Name:  "admins-file",
	Value: "admins.json",
	Usage: "Path to the admin keys file of the admin node",
}
var flagShareFile *cli.StringFlag = &cli.StringFlag{
	Name:  "share-file",
	Value: "share.json",
	Usage: "Path to this admin's share, kept encrypted to the admin key",
}

// shareFile is a master key share at rest, encrypted to its administrator.
type shareFile struct {
	AdminID        string `json:"admin_id"`
	ShareIndex     int    `json:"share_index"`
	EncryptedShare []byte `json:"encrypted_share"`
}

func writeShare(path, adminID string, index int, share, publicKeyPEM []byte) error {
	encrypted, err := cryptoutils.EncryptWithPublicKey(publicKeyPEM, share)
	if err != nil {
		return fmt.Errorf("failed to encrypt share: %w", err)
	}
	data, err := json.Marshal(shareFile{AdminID: adminID, ShareIndex: index, EncryptedShare: encrypted})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func adminClient(cCtx *cli.Context) (*unsealhandler.Client, []byte, error) {
	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, nil, err
	}
	client, err := unsealhandler.NewClient(cCtx.String(flags.ServerFlag.Name), cCtx.String(flagAdminID.Name), privateKeyPEM, nil)
	return client, privateKeyPEM, err
}

func sortedIDs(adminKeys map[string][]byte) []string {
	ids := make([]string, 0, len(adminKeys))
	for id := range adminKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var serverFlags = []cli.Flag{flags.ServerFlag, flagAdminID, flagAdminPrivkey}

func main() {
	app := &cli.App{
		Name:           "keyshares",
		Usage:          "Administer the keystore master key shares of an admin node",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "generate-admin",
				Usage: "create an administrator key pair",
				Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := cryptoutils.GenerateAdminKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0644)
				},
			},
			{
				Name:  "generate-admins-config",
				Usage: "write the admin keys file from administrator public keys",
				Flags: []cli.Flag{
					flagAdminsFile,
					&cli.StringSliceFlag{
						Name:     "admin",
						Required: true,
						Usage:    "administrator as <admin-id>=<public-key-file>, repeatable",
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := unsealhandler.AdminsConfig{}
					for _, spec := range cCtx.StringSlice("admin") {
						id, keyFile, ok := strings.Cut(spec, "=")
						if !ok || id == "" {
							return fmt.Errorf("invalid admin %q, expected <admin-id>=<public-key-file>", spec)
						}
						publicKeyPEM, err := os.ReadFile(keyFile)
						if err != nil {
							return err
						}
						config.Admins = append(config.Admins, unsealhandler.AdminEntry{ID: id, PubKey: string(publicKeyPEM)})
					}

					configBytes, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}

					// Round trip to reject files the admin node would refuse.
					if _, err := unsealhandler.LoadAdminKeys(strings.NewReader(string(configBytes))); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminsFile.Name), configBytes, 0644)
				},
			},
			{
				Name:  "split",
				Usage: "generate a master key offline and split it into one encrypted share per administrator",
				Flags: []cli.Flag{
					flagAdminsFile,
					&cli.IntFlag{Name: "threshold", Value: 2, Usage: "shares required to recover the master key"},
					&cli.StringFlag{Name: "out-dir", Value: ".", Usage: "directory receiving <admin-id>.share.json files"},
				},
				Action: func(cCtx *cli.Context) error {
					f, err := os.Open(cCtx.String(flagAdminsFile.Name))
					if err != nil {
						return err
					}
					defer f.Close()

					adminKeys, err := unsealhandler.LoadAdminKeys(f)
					if err != nil {
						return err
					}

					masterKey, err := cryptoutils.GenerateKey()
					if err != nil {
						return err
					}
					defer cryptoutils.Zeroize(masterKey)

					adminIDs := sortedIDs(adminKeys)
					shares, err := kms.SplitMasterKey(masterKey, len(adminIDs), cCtx.Int("threshold"))
					if err != nil {
						return err
					}

					for i, id := range adminIDs {
						path := filepath.Join(cCtx.String("out-dir"), id+".share.json")
						if err := writeShare(path, id, i, shares[i], adminKeys[id]); err != nil {
							return err
						}
						fmt.Println(path)
					}
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "show the unseal state of the admin node",
				Flags: serverFlags,
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					status, err := client.Status(cCtx.Context)
					if err != nil {
						return err
					}
					fmt.Printf("state=%s threshold=%d total=%d received=%d\n", status.State, status.Threshold, status.TotalShares, status.SharesReceived)
					return nil
				},
			},
			{
				Name:  "init-generate",
				Usage: "have a fresh admin node generate and split a new master key",
				Flags: serverFlags,
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					msg, err := client.InitGenerate(cCtx.Context)
					if err != nil {
						return err
					}
					fmt.Println(msg)
					return nil
				},
			},
			{
				Name:  "init-recover",
				Usage: "put the admin node into share collection",
				Flags: serverFlags,
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					msg, err := client.InitRecover(cCtx.Context)
					if err != nil {
						return err
					}
					fmt.Println(msg)
					return nil
				},
			},
			{
				Name:  "fetch-share",
				Usage: "retrieve this admin's share after init-generate",
				Flags: append([]cli.Flag{flagShareFile, flagAdminPubkey}, serverFlags...),
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
					if err != nil {
						return err
					}

					index, share, err := client.FetchShare(cCtx.Context)
					if err != nil {
						return err
					}
					defer cryptoutils.Zeroize(share)

					return writeShare(cCtx.String(flagShareFile.Name), cCtx.String(flagAdminID.Name), index, share, publicKeyPEM)
				},
			},
			{
				Name:  "submit-share",
				Usage: "submit this admin's share to unseal the admin node",
				Flags: append([]cli.Flag{flagShareFile}, serverFlags...),
				Action: func(cCtx *cli.Context) error {
					client, privateKeyPEM, err := adminClient(cCtx)
					if err != nil {
						return err
					}

					data, err := os.ReadFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					var stored shareFile
					if err := json.Unmarshal(data, &stored); err != nil {
						return fmt.Errorf("invalid share file: %w", err)
					}

					share, err := cryptoutils.DecryptWithPrivateKey(privateKeyPEM, stored.EncryptedShare)
					if err != nil {
						return err
					}
					defer cryptoutils.Zeroize(share)

					msg, err := client.SubmitShare(cCtx.Context, stored.ShareIndex, share)
					if err != nil {
						return err
					}
					fmt.Println(msg)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
