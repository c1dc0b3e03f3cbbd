// Command recovery-party is the recovery party member's CLI: it signs
// decryption shares with the member key and submits them to restore nodes.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/api/clients"
	"github.com/ruteri/keyset-restore/cmd/flags"
	"github.com/ruteri/keyset-restore/dealer"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/urfave/cli/v2"
)

var flagCurve = &cli.StringFlag{
	Name:     "curve",
	Required: true,
	Usage:    "root key curve: bls12381g1 or secp256k1",
}

var flagRootKeyIndex = &cli.UintFlag{
	Name:  "root-key-index",
	Usage: "index of the root key within its curve",
}

var flagMember = &cli.UintFlag{
	Name:     "member",
	Required: true,
	Usage:    "1-based index of this member in the recovery party",
}

var flagShare = &cli.StringFlag{
	Name:     "share",
	Required: true,
	Usage:    "hex-encoded decryption share scalar",
}

var flagSharesFile = &cli.StringFlag{
	Name:     "shares-file",
	Required: true,
	Usage:    "JSON array of signed share submissions",
}

var flagNodeURLs = &cli.StringSliceFlag{
	Name:     "node-url",
	Required: true,
	Usage:    "restore node base URL; repeat for every node",
}

var flagKeysetRequired = &cli.StringFlag{
	Name:     "keyset",
	Required: true,
	Usage:    "keyset id",
}

func main() {
	app := &cli.App{
		Name:  "keyset-restore-recovery-party",
		Usage: "Sign and submit decryption shares to restore nodes",
		Flags: append([]cli.Flag{flags.LogServiceFlagFn("recovery-party")}, flags.LogJsonFlag, flags.LogDebugFlag, flags.LogUidFlag),
		Commands: []*cli.Command{
			{
				Name:  "sign",
				Usage: "Sign one decryption share and print its submission body",
				Flags: []cli.Flag{flags.PrivkeyFileFlag, flagKeysetRequired, flagCurve, flagRootKeyIndex, flagMember, flagShare},
				Action: func(cCtx *cli.Context) error {
					key, err := flags.LoadPrivkey(cCtx)
					if err != nil {
						return err
					}
					keyset, err := interfaces.NewKeysetID(cCtx.String(flagKeysetRequired.Name))
					if err != nil {
						return err
					}
					curve, err := interfaces.ParseCurve(cCtx.String(flagCurve.Name))
					if err != nil {
						return err
					}
					share, err := interfaces.ParseSecretHex(cCtx.String(flagShare.Name))
					if err != nil {
						return err
					}
					defer share.Wipe()

					id := interfaces.RootKeyID{Curve: curve, Index: uint32(cCtx.Uint(flagRootKeyIndex.Name))}
					signed, err := dealer.SignShare(key, keyset, id, uint32(cCtx.Uint(flagMember.Name)), share)
					if err != nil {
						return err
					}
					out, err := json.MarshalIndent(api.NewShareSubmission(signed), "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				},
			},
			{
				Name:  "submit",
				Usage: "Submit every share in a shares file to every node",
				Flags: []cli.Flag{flagSharesFile, flagNodeURLs, flags.TimeoutFlag},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					subs, err := dealer.ReadShares(cCtx.String(flagSharesFile.Name))
					if err != nil {
						return err
					}

					var failed []error
					for _, nodeURL := range cCtx.StringSlice(flagNodeURLs.Name) {
						c := clients.NewRecoveryClient(nodeURL, cCtx.Duration(flags.TimeoutFlag.Name))
						for _, sub := range subs {
							held, err := c.SubmitShare(cCtx.Context, sub)
							if errors.Is(err, interfaces.ErrMemberDuplicate) {
								logger.Info("Share already held", "node", nodeURL, "curve", sub.Curve.String(), "rootKeyIndex", sub.RootKeyIndex)
								continue
							}
							if err != nil {
								logger.Error("Share rejected", "node", nodeURL, "curve", sub.Curve.String(), "rootKeyIndex", sub.RootKeyIndex, "err", err)
								failed = append(failed, fmt.Errorf("%s %s/%d: %w", nodeURL, sub.Curve, sub.RootKeyIndex, err))
								continue
							}
							logger.Info("Share accepted", "node", nodeURL, "curve", sub.Curve.String(), "rootKeyIndex", sub.RootKeyIndex, "sharesHeld", held)
						}
					}
					return errors.Join(failed...)
				},
			},
			{
				Name:  "status",
				Usage: "Print a node's public restore status",
				Flags: []cli.Flag{flags.NodeURLFlag, flags.TimeoutFlag},
				Action: func(cCtx *cli.Context) error {
					c := clients.NewRecoveryClient(cCtx.String(flags.NodeURLFlag.Name), cCtx.Duration(flags.TimeoutFlag.Name))
					status, err := c.Status(cCtx.Context)
					if err != nil {
						return err
					}
					out, err := json.MarshalIndent(status, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
