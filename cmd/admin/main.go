package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/api/auth"
	"github.com/ruteri/keyset-restore/api/clients"
	"github.com/ruteri/keyset-restore/cmd/flags"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/urfave/cli/v2"
)

var flagDomain = &cli.StringFlag{
	Name:  "domain",
	Usage: "SIWE domain to sign for, when it differs from the node URL host",
}

var flagBlindersFile = &cli.StringFlag{
	Name:  "blinders-file",
	Usage: "JSON file with a set_blinders body ({bls_blinder, k256_blinder, keyset_id})",
}

var flagBLSBlinder = &cli.StringFlag{
	Name:  "bls-blinder",
	Usage: "hex-encoded BLS12-381 blinder",
}

var flagK256Blinder = &cli.StringFlag{
	Name:  "k256-blinder",
	Usage: "hex-encoded secp256k1 blinder",
}

var flagBackupFile = &cli.StringFlag{
	Name:     "backup-file",
	Required: true,
	Usage:    "backup tarball of this node",
}

var flagMode = &cli.StringFlag{
	Name:  "mode",
	Value: "retain",
	Usage: "abort mode: 'discard' zeroizes restore material, 'retain' keeps it",
}

var flagKeyOut = &cli.StringFlag{
	Name:  "out",
	Value: "admin.key",
	Usage: "file to write the generated key to",
}

var flagTTL = &cli.DurationFlag{
	Name:  "ttl",
	Value: auth.DefaultSigTTL,
	Usage: "validity of the printed auth sig",
}

var clientFlags = []cli.Flag{flags.NodeURLFlag, flags.PrivkeyFileFlag, flags.TimeoutFlag, flagDomain}

func adminClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	key, err := flags.LoadPrivkey(cCtx)
	if err != nil {
		return nil, err
	}
	c, err := clients.NewAdminClient(cCtx.String(flags.NodeURLFlag.Name), key, cCtx.Duration(flags.TimeoutFlag.Name))
	if err != nil {
		return nil, err
	}
	if d := cCtx.String(flagDomain.Name); d != "" {
		c.SetDomain(d)
	}
	return c, nil
}

func readBlinders(cCtx *cli.Context) (*api.SetBlindersRequest, error) {
	req := &api.SetBlindersRequest{
		BLSBlinder:  cCtx.String(flagBLSBlinder.Name),
		K256Blinder: cCtx.String(flagK256Blinder.Name),
	}
	if path := cCtx.String(flagBlindersFile.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if req.BLSBlinder == "" || req.K256Blinder == "" {
		return nil, fmt.Errorf("both blinders are required, via --%s or --%s/--%s", flagBlindersFile.Name, flagBLSBlinder.Name, flagK256Blinder.Name)
	}
	return req, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	app := &cli.App{
		Name:           "keyset-restore-admin",
		Usage:          "Operator client for a restore node's admin API",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Print the node's detailed restore status",
				Flags: clientFlags,
				Action: func(cCtx *cli.Context) error {
					c, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					status, err := c.Status(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "set-blinders",
				Usage: "Install the per-curve blinders of a keyset",
				Flags: append([]cli.Flag{flags.KeysetFlag, flagBlindersFile, flagBLSBlinder, flagK256Blinder}, clientFlags...),
				Action: func(cCtx *cli.Context) error {
					req, err := readBlinders(cCtx)
					if err != nil {
						return err
					}
					blinders, err := req.Parse()
					if err != nil {
						return err
					}
					defer blinders.Wipe()

					keyset := interfaces.KeysetID(req.Keyset)
					if k := cCtx.String(flags.KeysetFlag.Name); k != "" {
						keyset = interfaces.KeysetID(k)
					}
					c, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					if err := c.SetBlinders(cCtx.Context, keyset, blinders); err != nil {
						return err
					}
					fmt.Println("blinders set")
					return nil
				},
			},
			{
				Name:  "set-key-backup",
				Usage: "Upload this node's backup tarball",
				Flags: append([]cli.Flag{flags.KeysetFlag, flagBackupFile}, clientFlags...),
				Action: func(cCtx *cli.Context) error {
					f, err := os.Open(cCtx.String(flagBackupFile.Name))
					if err != nil {
						return err
					}
					defer f.Close()

					c, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					id, err := c.SetKeyBackup(cCtx.Context, interfaces.KeysetID(cCtx.String(flags.KeysetFlag.Name)), f)
					if err != nil {
						return err
					}
					fmt.Println(id)
					return nil
				},
			},
			{
				Name:  "abort-restore",
				Usage: "End the restore by operator decision",
				Flags: append([]cli.Flag{flagMode}, clientFlags...),
				Action: func(cCtx *cli.Context) error {
					c, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					if err := c.AbortRestore(cCtx.Context, cCtx.String(flagMode.Name)); err != nil {
						return err
					}
					fmt.Println("restore aborted")
					return nil
				},
			},
			{
				Name:  "auth-sig",
				Usage: "Print a signed x-auth-sig header value for manual requests",
				Flags: []cli.Flag{flags.NodeURLFlag, flags.PrivkeyFileFlag, flagDomain, flagTTL},
				Action: func(cCtx *cli.Context) error {
					key, err := flags.LoadPrivkey(cCtx)
					if err != nil {
						return err
					}
					domain := cCtx.String(flagDomain.Name)
					if domain == "" {
						u, err := url.Parse(cCtx.String(flags.NodeURLFlag.Name))
						if err != nil {
							return err
						}
						domain = u.Host
					}
					header, err := auth.SignHeader(key, auth.AdminParams(domain, cCtx.Duration(flagTTL.Name)))
					if err != nil {
						return err
					}
					fmt.Println(header)
					return nil
				},
			},
			{
				Name:  "generate-key",
				Usage: "Generate a secp256k1 operator key and print its address",
				Flags: []cli.Flag{flagKeyOut},
				Action: func(cCtx *cli.Context) error {
					key, err := crypto.GenerateKey()
					if err != nil {
						return err
					}
					if err := crypto.SaveECDSA(cCtx.String(flagKeyOut.Name), key); err != nil {
						return err
					}
					fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
