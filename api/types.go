package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/keyset-restore/interfaces"
)

// AuthHeader carries the admin SIWE auth sig.
const AuthHeader = "x-auth-sig"

// AdminResource is the SIWE resource URI granting admin scope.
const AdminResource = "urn:keyset-restore:admin"

// Routes.
const (
	SetBlindersPath  = "/web/admin/set_blinders"
	SetKeyBackupPath = "/web/admin/set_key_backup"
	AbortRestorePath = "/web/admin/abort_restore"
	AdminStatusPath  = "/web/admin/restore_status"
	PublicStatusPath = "/web/restore/status"
	SubmitSharePath  = "/web/recovery/submit_share"
	KeysetQueryParam = "keyset_id"
	MaxJSONBodyBytes = 1 << 20
)

// SetBlindersRequest is the body of POST /web/admin/set_blinders.
type SetBlindersRequest struct {
	BLSBlinder  string `json:"bls_blinder"`
	K256Blinder string `json:"k256_blinder"`
	// Keyset defaults to the node's only hosted keyset.
	Keyset string `json:"keyset_id,omitempty"`
}

// Parse validates the encoding of both blinders. Range checks happen in
// the store. The caller owns and wipes the result.
func (r *SetBlindersRequest) Parse() (*interfaces.Blinders, error) {
	bls, err := interfaces.ParseSecretHex(r.BLSBlinder)
	if err != nil {
		return nil, fmt.Errorf("bls_blinder: %w", err)
	}
	k256, err := interfaces.ParseSecretHex(r.K256Blinder)
	if err != nil {
		bls.Wipe()
		return nil, fmt.Errorf("k256_blinder: %w", err)
	}
	return &interfaces.Blinders{BLS: bls, K256: k256}, nil
}

// AbortRestoreRequest is the body of POST /web/admin/abort_restore.
type AbortRestoreRequest struct {
	// Mode is "discard" or "retain".
	Mode string `json:"mode"`
}

// ShareSubmission is the body of POST /web/recovery/submit_share.
type ShareSubmission struct {
	Keyset       string           `json:"keyset_id"`
	Curve        interfaces.Curve `json:"curve"`
	RootKeyIndex uint32           `json:"root_key_index"`
	MemberIndex  uint32           `json:"member_index"`
	Share        string           `json:"share"`
	Proof        hexutil.Bytes    `json:"proof"`
}

// NewShareSubmission converts a signed share to its wire form.
func NewShareSubmission(s *interfaces.DecryptionShare) *ShareSubmission {
	return &ShareSubmission{
		Keyset:       string(s.Keyset),
		Curve:        s.RootKey.Curve,
		RootKeyIndex: s.RootKey.Index,
		MemberIndex:  s.MemberIndex,
		Share:        s.Share.Hex(),
		Proof:        s.Proof,
	}
}

// DecryptionShare parses the wire form.
func (s *ShareSubmission) DecryptionShare() (*interfaces.DecryptionShare, error) {
	keyset, err := interfaces.NewKeysetID(s.Keyset)
	if err != nil {
		return nil, err
	}
	share, err := interfaces.ParseSecretHex(s.Share)
	if err != nil {
		return nil, err
	}
	return &interfaces.DecryptionShare{
		Keyset:      keyset,
		RootKey:     interfaces.RootKeyID{Curve: s.Curve, Index: s.RootKeyIndex},
		MemberIndex: s.MemberIndex,
		Share:       share,
		Proof:       s.Proof,
	}, nil
}

// Response is the common envelope. Success is the string "true" or
// "false" for compatibility with existing operator tooling.
type Response struct {
	Success   string `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch interfaces.KindOf(err) {
	case interfaces.KindPreconditionUnmet:
		return http.StatusConflict
	case interfaces.KindMalformedInput:
		return http.StatusBadRequest
	case interfaces.KindAuthFailure:
		return http.StatusUnauthorized
	case interfaces.KindInvariantViolation:
		return http.StatusUnprocessableEntity
	case interfaces.KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteOK writes a success envelope merged with extra fields.
func WriteOK(w http.ResponseWriter, message string, extra map[string]any) {
	resp := map[string]any{"success": "true"}
	if message != "" {
		resp["message"] = message
	}
	for k, v := range extra {
		resp[k] = v
	}
	WriteJSON(w, http.StatusOK, resp)
}

// WriteError writes a failure envelope. Auth failures carry no detail.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := Response{Success: "false", ErrorCode: interfaces.CodeOf(err), Error: err.Error()}
	if status == http.StatusUnauthorized {
		resp = Response{Success: "false", ErrorCode: interfaces.ErrUnauthorized.Code, Error: "unauthorized"}
	}
	if status == http.StatusInternalServerError && interfaces.KindOf(err) == interfaces.KindUnknown {
		resp.Error = "internal error"
	}
	WriteJSON(w, status, resp)
}

// DecodeError reads a failure envelope back into a classified error. Used
// by clients so callers can switch on interfaces.KindOf.
func DecodeError(status int, body []byte) error {
	var resp Response
	if json.Unmarshal(body, &resp) != nil || resp.ErrorCode == "" {
		return fmt.Errorf("unexpected status %d: %s", status, string(body))
	}
	if known := knownErrors[resp.ErrorCode]; known != nil {
		return fmt.Errorf("%w: %s", known, resp.Error)
	}
	return fmt.Errorf("%s (%d): %s", resp.ErrorCode, status, resp.Error)
}

var knownErrors = func() map[string]*interfaces.Error {
	m := make(map[string]*interfaces.Error)
	for _, e := range []*interfaces.Error{
		interfaces.ErrInvalidState, interfaces.ErrBlindersMissing, interfaces.ErrBundleMissing,
		interfaces.ErrNotComplete, interfaces.ErrQuarantined, interfaces.ErrAlreadyBound,
		interfaces.ErrMemberDuplicate, interfaces.ErrAlreadyRecovered, interfaces.ErrMalformedInput,
		interfaces.ErrMalformedScalar, interfaces.ErrTarballMalformed, interfaces.ErrMemberUnknown,
		interfaces.ErrUnknownRootKey, interfaces.ErrUnauthorized, interfaces.ErrVerificationFailed,
		interfaces.ErrCryptoFailure, interfaces.ErrCommitmentMismatch, interfaces.ErrPeerTimeout,
		interfaces.ErrTransientIO, interfaces.ErrInvariantViolation,
	} {
		m[e.Code] = e
	}
	return m
}()
