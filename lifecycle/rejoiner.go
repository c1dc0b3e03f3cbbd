package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
)

// Rejoiner re-registers the node's attested wallet so the next validator
// set can include it.
type Rejoiner struct {
	wallet    common.Address
	attester  interfaces.AttestationProvider
	registrar interfaces.WalletRegistrar
	log       *slog.Logger
}

func NewRejoiner(wallet common.Address, attester interfaces.AttestationProvider, registrar interfaces.WalletRegistrar, log *slog.Logger) *Rejoiner {
	return &Rejoiner{wallet: wallet, attester: attester, registrar: registrar, log: log}
}

// Wallet returns the node wallet address.
func (r *Rejoiner) Wallet() common.Address {
	return r.wallet
}

// Rejoin attests to the wallet for epoch and registers it on chain.
func (r *Rejoiner) Rejoin(ctx context.Context, epoch uint64) error {
	quote, err := r.attester.Attest(cryptoutils.WalletReportData(r.wallet, epoch))
	if err != nil {
		return fmt.Errorf("attesting wallet: %w", err)
	}
	if err := r.registrar.RegisterAttestedWallet(ctx, r.wallet, quote); err != nil {
		return fmt.Errorf("%w: registering attested wallet: %v", interfaces.ErrTransientIO, err)
	}
	r.log.Info("Attested wallet registered", "wallet", r.wallet.Hex(), "epoch", epoch, "attestationType", r.attester.AttestationType())
	return nil
}
