package cryptoutils

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	tdx_client "github.com/google/go-tdx-guest/client"
	"github.com/ruteri/keyset-restore/interfaces"
)

const (
	DCAPAttestationType   = "qemu-tdx"
	RemoteAttestationType = "remote"
	DummyAttestationType  = "dummy"
)

// AttestationProviderFor builds a provider from its config string:
// "qemu-tdx", "dummy" or "remote:<base-url>".
func AttestationProviderFor(spec string) (interfaces.AttestationProvider, error) {
	switch {
	case spec == DCAPAttestationType:
		return DCAPAttestationProvider{}, nil
	case spec == DummyAttestationType:
		return DummyAttestationProvider{}, nil
	case strings.HasPrefix(spec, RemoteAttestationType+":"):
		return &RemoteAttestationProvider{
			Address: strings.TrimPrefix(spec, RemoteAttestationType+":"),
			Client:  &http.Client{Timeout: 30 * time.Second},
		}, nil
	default:
		return nil, fmt.Errorf("%w: attestation provider %q", errors.ErrUnsupported, spec)
	}
}

// WalletReportData binds an attestation to the node wallet and the epoch
// the node rejoins at: wallet (20 bytes) || epoch (8 bytes, big-endian).
func WalletReportData(wallet common.Address, epoch uint64) [64]byte {
	var rd [64]byte
	copy(rd[:20], wallet[:])
	binary.BigEndian.PutUint64(rd[20:28], epoch)
	return rd
}

// RemoteAttestationProvider fetches quotes from a quote service running
// next to the node, e.g. outside a nested VM.
type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteAttestationProvider) AttestationType() string { return DCAPAttestationType }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/attest/%s", strings.TrimSuffix(p.Address, "/"), extraDataHex)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPAttestationProvider produces TDX quotes through configfs-tsm, falling
// back to the legacy /dev/tdx_guest device.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() string { return DCAPAttestationType }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyAttestationProvider is for local networks without TEEs.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) AttestationType() string {
	return DummyAttestationType
}

func (DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy-attestation:%x", reportData)), nil
}
