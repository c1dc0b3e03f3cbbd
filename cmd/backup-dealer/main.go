// Command backup-dealer produces a complete set of restore inputs for
// staging networks: per-node backup tarballs and blinders, signed
// decryption shares per recovery party member, and the root keys to seed
// the key router with. Never use it with real key material.
package main

import (
	"crypto/ecdsa"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/cmd/flags"
	"github.com/ruteri/keyset-restore/dealer"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var dealFlags = []cli.Flag{
	&cli.StringFlag{Name: "keyset", Required: true, Usage: "keyset id"},
	&cli.IntFlag{Name: "bls-keys", Value: 1, Usage: "number of BLS12-381 root keys"},
	&cli.IntFlag{Name: "k256-keys", Value: 10, Usage: "number of secp256k1 root keys"},
	&cli.IntFlag{Name: "old-nodes", Value: 3, Usage: "nodes of the prior network"},
	&cli.IntFlag{Name: "old-threshold", Value: 2, Usage: "threshold of the prior network"},
	&cli.IntFlag{Name: "party-size", Value: 3, Usage: "recovery party members; keys are generated unless --member-key-files is set"},
	&cli.IntFlag{Name: "party-threshold", Value: 2, Usage: "recovery party threshold"},
	&cli.StringSliceFlag{Name: "member-key-files", Usage: "existing member key files, in member index order"},
	&cli.StringFlag{Name: "out", Value: "restore-inputs", Usage: "output directory"},
}

// partySnippet is written next to the inputs to paste into node configs.
type partySnippet struct {
	RecoveryParty struct {
		Threshold int      `yaml:"threshold"`
		Members   []string `yaml:"members"`
	} `yaml:"recovery_party"`
	Keysets []string `yaml:"keysets"`
}

func memberKeys(cCtx *cli.Context, out string) ([]*ecdsa.PrivateKey, error) {
	if files := cCtx.StringSlice("member-key-files"); len(files) > 0 {
		keys := make([]*ecdsa.PrivateKey, len(files))
		for i, f := range files {
			k, err := crypto.LoadECDSA(f)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", f, err)
			}
			keys[i] = k
		}
		return keys, nil
	}
	keys := make([]*ecdsa.PrivateKey, cCtx.Int("party-size"))
	for i := range keys {
		k, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		dir := filepath.Join(out, fmt.Sprintf("member-%d", i+1))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		if err := crypto.SaveECDSA(filepath.Join(dir, "member.key"), k); err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

func main() {
	app := &cli.App{
		Name:  "keyset-restore-backup-dealer",
		Usage: "Generate staging restore inputs",
		Flags: append(dealFlags, flags.LogServiceFlagFn("backup-dealer"), flags.LogJsonFlag, flags.LogDebugFlag, flags.LogUidFlag),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			out := cCtx.String("out")

			keyset, err := interfaces.NewKeysetID(cCtx.String("keyset"))
			if err != nil {
				return err
			}
			keys, err := memberKeys(cCtx, out)
			if err != nil {
				return err
			}
			f, err := dealer.Generate(dealer.Config{
				Keyset:         keyset,
				BLSKeys:        cCtx.Int("bls-keys"),
				K256Keys:       cCtx.Int("k256-keys"),
				OldNodes:       cCtx.Int("old-nodes"),
				OldThreshold:   cCtx.Int("old-threshold"),
				PartyKeys:      keys,
				PartyThreshold: cCtx.Int("party-threshold"),
			})
			if err != nil {
				return err
			}
			if err := f.WriteDir(out); err != nil {
				return err
			}

			var snippet partySnippet
			snippet.RecoveryParty.Threshold = f.Party.Threshold
			for _, m := range f.Party.Members {
				snippet.RecoveryParty.Members = append(snippet.RecoveryParty.Members, m.Hex())
			}
			snippet.Keysets = []string{string(keyset)}
			data, err := yaml.Marshal(&snippet)
			if err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(out, "party.yaml"), data, 0o600); err != nil {
				return err
			}

			logger.Info("Restore inputs written",
				"dir", out,
				"keyset", keyset,
				"rootKeys", len(f.RootKeys),
				"nodes", len(f.Nodes),
				"partySize", len(f.Party.Members),
				"partyThreshold", f.Party.Threshold)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
